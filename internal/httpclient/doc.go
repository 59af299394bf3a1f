// Package httpclient turns configured user classes into runnable HTTP users.
//
// Each configured task becomes a [task.Func] that builds a request with a
// [RequestBuilder], sends it with a shared client and reports the outcome as
// a Request event:
//
//	client := httpclient.NewClient(cfg.Timeout)
//	classes, err := httpclient.UserClasses(cfg, client, httpclient.Options{Tracer: tracer})
//	if err != nil {
//		return err
//	}
//
// A request fails when its status is 400 or above (or differs from
// expect_status when set) or when the expect_json gjson path does not
// resolve in the response body. Failures are statistics, not task errors:
// the user keeps running.
//
// # Variables
//
// Every user owns a variable store. A class with a data_file seeds it with
// one record when the user starts, and extract rules add values taken from
// response bodies. Task paths, header values and bodies may reference them
// as {{name}}.
//
// # HTTP Client
//
// The [NewClient] function creates an HTTP client tuned for load generation
// with configurable timeouts and connection reuse.
package httpclient
