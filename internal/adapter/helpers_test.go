package adapter

import (
	"io"
	"net/http"
	"net/url"
)

// httptestHandler decodes a form-encoded request body and writes the given
// status/response, for stubbing REST message-create endpoints.
func httptestHandler(fn func(form url.Values) (int, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		status, resp := fn(form)
		w.WriteHeader(status)
		io.WriteString(w, resp)
	}
}

// jsonHandler captures a JSON request body and writes the given response.
func jsonHandler(capture *[]byte, status int, resp string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*capture = body
		w.WriteHeader(status)
		io.WriteString(w, resp)
	}
}
