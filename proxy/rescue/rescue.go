package rescue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/linkerd/multipass/proxy/admission"
	"github.com/linkerd/multipass/proxy/discovery"
	"github.com/linkerd/multipass/proxy/dispatch"
	"github.com/linkerd/multipass/proxy/route"
	"github.com/munnerz/goautoneg"
	log "github.com/sirupsen/logrus"
)

const (
	contentTypeHTML  = "text/html"
	contentTypeJSON  = "application/json"
	contentTypePlain = "text/plain"
)

// Response is a synthesized reply to a failed request.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	// Close asks for the client connection to be closed after the reply.
	Close bool `json:"-"`
	// Reason is a short, stable label for metrics.
	Reason string `json:"-"`
}

// The first alternative is the default for missing or wildcard Accept
// headers.
var alternatives = []string{contentTypeHTML, contentTypeJSON, contentTypePlain}

var page = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Status}} {{.StatusText}}</title></head>
<body>
<h1>{{.Status}} {{.StatusText}}</h1>
<p>{{.Message}}</p>
<hr><address>{{.Server}}</address>
</body>
</html>
`))

// Rescue maps a pipeline failure to a response. Protocol errors cannot be
// answered and are returned unchanged.
func Rescue(err error) (Response, error) {
	var (
		protocolErr   *dispatch.ProtocolError
		dispatchErr   *dispatch.Error
		failFast      admission.FailFastError
		notResolved   discovery.NotResolvedError
		notConfigured discovery.NotConfiguredError
		noRoute       route.NoRouteError
	)

	switch {
	case errors.As(err, &protocolErr):
		return Response{}, err
	case errors.As(err, &failFast):
		return Response{Status: http.StatusGatewayTimeout, Message: err.Error(), Close: true, Reason: "fail_fast"}, nil
	case errors.Is(err, admission.ErrOverloaded):
		return Response{Status: http.StatusServiceUnavailable, Message: err.Error(), Close: true, Reason: "overloaded"}, nil
	case errors.As(err, &notResolved):
		return Response{Status: http.StatusServiceUnavailable, Message: err.Error(), Close: true, Reason: "not_resolved"}, nil
	case errors.As(err, &notConfigured):
		return Response{Status: http.StatusNotFound, Message: err.Error(), Reason: "not_configured"}, nil
	case errors.As(err, &noRoute):
		return Response{Status: http.StatusNotFound, Message: err.Error(), Reason: "no_route"}, nil
	case errors.As(err, &dispatchErr):
		return Response{Status: dispatchErr.StatusCode(), Message: err.Error(), Close: true, Reason: "dispatch"}, nil
	default:
		return Response{Status: http.StatusInternalServerError, Message: "unexpected error", Close: true, Reason: "unexpected"}, nil
	}
}

// Write sends the response. The body format is negotiated from the request's
// Accept header. When the connection is to be closed, HTTP/1.1 clients are
// told so with a Connection header and HTTP/1.x connections are torn down
// through the client handle. HTTP/2 connections are only signaled.
func (r Response) Write(w http.ResponseWriter, req *http.Request, server string) {
	contentType, body, err := r.render(req.Header.Get("Accept"), server)
	if err != nil {
		log.Errorf("failed to render %d response: %s", r.Status, err)
		contentType, body = contentTypePlain, []byte(r.Message)
	}

	h := w.Header()
	h.Set("Server", server)
	h.Set("Content-Type", contentType+"; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("X-Content-Type-Options", "nosniff")

	if r.Close {
		if req.ProtoMajor == 1 && req.ProtoMinor == 1 {
			h.Set("Connection", "close")
		}
		if client, ok := ClientHandleFrom(req.Context()); !ok {
			log.Debug("missing client handle")
		} else if req.ProtoMajor == 1 {
			client.Close()
		} else {
			// Sibling streams share the connection.
			client.Signal()
		}
	}

	rescued.WithLabelValues(r.Reason, strconv.Itoa(r.Status)).Inc()

	w.WriteHeader(r.Status)
	if _, err := w.Write(body); err != nil {
		log.Debugf("failed to write %d response: %s", r.Status, err)
	}
}

func (r Response) render(accept, server string) (string, []byte, error) {
	contentType := goautoneg.Negotiate(accept, alternatives)
	switch contentType {
	case contentTypeJSON:
		body, err := json.Marshal(r)
		if err != nil {
			return "", nil, err
		}
		return contentTypeJSON, append(body, '\n'), nil

	case contentTypePlain:
		return contentTypePlain, []byte(fmt.Sprintf("%d %s\n", r.Status, r.Message)), nil

	default:
		var buf bytes.Buffer
		err := page.Execute(&buf, map[string]interface{}{
			"Status":     r.Status,
			"StatusText": http.StatusText(r.Status),
			"Message":    r.Message,
			"Server":     server,
		})
		if err != nil {
			return "", nil, err
		}
		return contentTypeHTML, buf.Bytes(), nil
	}
}
