package feeder

import (
	"strings"
)

// SubstitutePlaceholders replaces every {{name}} in template with vars[name].
// Unknown placeholders are left unchanged.
func SubstitutePlaceholders(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "{{") {
		return template
	}
	result := template
	for key, value := range vars {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}
