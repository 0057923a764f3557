package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/quicspool/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method specified in the Request-Line is not allowed for the resource identified by the Request-URI.",
	},
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
}

// PrefersJSON reports whether the most preferred media range of an Accept
// header is application/json. Ranges are ordered by q-value, then concrete
// before wildcard, then header order; q=0 ranges are ignored.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		qValue := 1.0

		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				q, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || q < 0 || q > 1 {
					q = 0
				}
				qValue = q
				break
			}
		}

		if qValue > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         qValue,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// WriteErrorResponse replaces whatever resp buffered with a default error page
// for statusCode, negotiated by the request's Accept header: JSON when the
// client prefers application/json, HTML otherwise. It fails with ErrCommitted
// when headers were already sent.
func WriteErrorResponse(resp Response, statusCode int, req *http.Request, detailMessage string, log *logger.Logger) error {
	if log != nil {
		log.Debug("Writing error response", logger.LogFields{
			"status_code": statusCode,
			"detail":      detailMessage,
			"stream_id":   resp.StreamID(),
		})
	}
	if err := resp.ResetBuffer(); err != nil {
		return fmt.Errorf("cannot send error response (status %d) for stream %d: %w", statusCode, resp.StreamID(), err)
	}

	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	acceptHeaderValue := ""
	if req != nil {
		acceptHeaderValue = req.Header.Get("Accept")
	}

	var body []byte
	var contentType string
	jsonMarshalFailed := false

	shouldSendJSON := PrefersJSON(acceptHeaderValue)
	if shouldSendJSON {
		contentType = "application/json; charset=utf-8"
		var marshalErr error
		body, marshalErr = jsonMarshalFunc(ErrorResponseJSON{
			Error: ErrorDetail{
				StatusCode: statusCode,
				Message:    statusText,
				Detail:     detailMessage,
			},
		})
		if marshalErr != nil {
			if log != nil {
				log.Error("Failed to marshal JSON error response, falling back to HTML.", logger.LogFields{"error": marshalErr.Error(), "status_code": statusCode})
			}
			jsonMarshalFailed = true
		}
	}

	if !shouldSendJSON || jsonMarshalFailed {
		contentType = "text/html; charset=utf-8"
		var finalTitle, finalHeading, baseMessage string
		defaultMsgData, isKnownCode := defaultHTMLMessages[statusCode]
		if isKnownCode {
			finalTitle = defaultMsgData.Title
			finalHeading = defaultMsgData.Heading
			baseMessage = defaultMsgData.Message
		} else {
			finalTitle = fmt.Sprintf("%d %s", statusCode, statusText)
			finalHeading = statusText
			baseMessage = "The server encountered an error processing your request."
		}

		htmlSafeMessageBody := baseMessage
		if detailMessage != "" {
			escapedDetail := html.EscapeString(detailMessage)
			if !isKnownCode {
				htmlSafeMessageBody = escapedDetail
			} else {
				htmlSafeMessageBody = baseMessage + " " + escapedDetail
			}
		}
		body = GenerateHTMLResponseBody(finalTitle, finalHeading, htmlSafeMessageBody)
	}

	h := resp.Header()
	for k := range h {
		delete(h, k)
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	resp.WriteHeader(statusCode)

	if req != nil && req.Method == http.MethodHead {
		return nil
	}
	if _, err := resp.Write(body); err != nil {
		if log != nil {
			log.Error("Failed to send error response body.", logger.LogFields{"error": err.Error(), "stream_id": resp.StreamID(), "status_code": statusCode})
		}
		return fmt.Errorf("failed to send error response body (status %d) for stream %d: %w", statusCode, resp.StreamID(), err)
	}
	return nil
}

// SendDefaultErrorResponse is WriteErrorResponse for callers that can only log
// the failure.
func SendDefaultErrorResponse(resp Response, statusCode int, req *http.Request, optionalDetail string, log *logger.Logger) {
	if err := WriteErrorResponse(resp, statusCode, req, optionalDetail, log); err != nil && log != nil {
		log.Warn("Error response not sent", logger.LogFields{"error": err.Error(), "stream_id": resp.StreamID(), "status_code": statusCode})
	}
}

// GenerateHTMLResponseBody renders the default HTML error page. message is
// inserted as is and must already be escaped.
func GenerateHTMLResponseBody(title, heading, message string) []byte {
	titleEsc := html.EscapeString(title)
	headingEsc := html.EscapeString(heading)
	body := fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`, titleEsc, headingEsc, message)
	return []byte(body)
}

// TestingOnlySetJSONMarshal is used by tests to mock json.Marshal behavior.
func TestingOnlySetJSONMarshal(fn func(v interface{}) ([]byte, error)) func(v interface{}) ([]byte, error) {
	original := jsonMarshalFunc
	jsonMarshalFunc = fn
	return original
}

// GetDefaultHTMLMessageInfo is used by tests to access default HTML message components.
func GetDefaultHTMLMessageInfo(statusCode int) (info struct {
	Title   string
	Heading string
	Message string
}, found bool) {
	info, found = defaultHTMLMessages[statusCode]
	return
}
