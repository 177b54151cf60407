package handler

import (
	"encoding/json"
	"net/http"

	"github.com/a-h/templ"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type jsonResponse struct {
	status int
	body   any
}

func (j jsonResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// JSON responds with v and status.
func JSON(status int, v any) Response {
	return jsonResponse{status: status, body: v}
}

// JSONError responds with an ErrorBody. The status and code come from an HTTPError
// in err's chain; message is shown to the client as is.
func JSONError(err error, message string) Response {
	status := StatusOf(err)
	code := ErrInternal.Key
	var he HTTPError
	if asHTTPError(err, &he) {
		code = he.Key
	}
	return jsonResponse{status: status, body: struct {
		Error ErrorBody `json:"error"`
	}{ErrorBody{Code: code, Message: message}}}
}

type textResponse struct {
	status int
	body   string
}

func (t textResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(t.status)
	_, err := w.Write([]byte(t.body))
	return err
}

// Text responds with a plain text body.
func Text(status int, body string) Response {
	return textResponse{status: status, body: body}
}

type redirectResponse struct {
	url     string
	status  int
	cookies []*http.Cookie
}

func (rr redirectResponse) Render(w http.ResponseWriter, r *http.Request) error {
	for _, c := range rr.cookies {
		http.SetCookie(w, c)
	}
	http.Redirect(w, r, rr.url, rr.status)
	return nil
}

// Redirect responds with 303 See Other and sets cookies first.
func Redirect(url string, cookies ...*http.Cookie) Response {
	return redirectResponse{url: url, status: http.StatusSeeOther, cookies: cookies}
}

type templResponse struct {
	status    int
	component templ.Component
}

func (t templResponse) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(t.status)
	return t.component.Render(r.Context(), w)
}

// Templ renders a templ component as an HTML page.
func Templ(status int, c templ.Component) Response {
	return templResponse{status: status, component: c}
}
