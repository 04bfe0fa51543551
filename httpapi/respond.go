package httpapi

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"

	goIdP "github.com/MrEthical07/goIdP"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeNoStore(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeNoStore(w, status, errorBody{Error: code, Description: description})
}

// writeEngineError maps an engine error to a JSON body. Internal failures
// are logged and reported without detail.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *goIdP.OAuthError
	if errors.As(err, &oerr) {
		writeError(w, oerr.Status(), oerr.Code, oerr.Description)
		return
	}

	kind := goIdP.KindOf(err)
	if kind == goIdP.KindInternal {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		status := http.StatusInternalServerError
		if errors.Is(err, goIdP.ErrBackendUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, goIdP.OAuthServerError, "")
		return
	}

	var ierr *goIdP.Error
	description := ""
	if errors.As(err, &ierr) {
		description = ierr.Message
	}
	writeError(w, kind.HTTPStatus(), goIdP.CodeOf(err), description)
}

// readForm returns the request parameters from a urlencoded, multipart or
// flat JSON object body.
func readForm(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, goIdP.ErrInvalidInput
		}
		out := url.Values{}
		for k, v := range raw {
			switch tv := v.(type) {
			case string:
				out.Set(k, tv)
			case bool:
				if tv {
					out.Set(k, "true")
				} else {
					out.Set(k, "false")
				}
			}
		}
		return out, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, goIdP.ErrInvalidInput
	}
	return r.PostForm, nil
}
