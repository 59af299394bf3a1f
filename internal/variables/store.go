// Package variables holds the per-user values that feed request templates:
// the user's data record and anything extracted from earlier responses.
package variables

// Store is a per-user variable map. A store belongs to one simulated user
// and is only touched from that user's goroutine, so it is not locked.
type Store interface {
	Set(key, value string)

	// Get returns ("", false) for a missing key.
	Get(key string) (string, bool)

	// GetAll returns a copy of every stored variable.
	GetAll() map[string]string

	// Merge returns record overlaid with the stored variables. Stored
	// variables win.
	Merge(record map[string]string) map[string]string

	Clear()
}

// MemoryStore is the map-backed Store.
type MemoryStore struct {
	variables map[string]string
}

func NewStore() Store {
	return &MemoryStore{variables: make(map[string]string)}
}

func (m *MemoryStore) Set(key, value string) {
	m.variables[key] = value
}

func (m *MemoryStore) Get(key string) (string, bool) {
	value, ok := m.variables[key]
	return value, ok
}

func (m *MemoryStore) GetAll() map[string]string {
	result := make(map[string]string, len(m.variables))
	for key, value := range m.variables {
		result[key] = value
	}
	return result
}

func (m *MemoryStore) Merge(record map[string]string) map[string]string {
	result := make(map[string]string, len(record)+len(m.variables))
	for key, value := range record {
		result[key] = value
	}
	for key, value := range m.variables {
		result[key] = value
	}
	return result
}

// SetAll stores every entry of values.
func SetAll(s Store, values map[string]string) {
	for key, value := range values {
		s.Set(key, value)
	}
}

func (m *MemoryStore) Clear() {
	m.variables = make(map[string]string)
}
