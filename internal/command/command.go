// Package command decodes transport requests into the robot's fixed command
// vocabulary. Every transport (HTTP, BLE, MQTT) normalises into a Request
// first, so route and parameter handling live only here.
package command

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrUnknownRoute     = errors.New("unknown route")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrMalformedRequest = errors.New("malformed request")
)

// ParamError is a rejected or missing parameter. Its message is shown to the caller verbatim.
type ParamError struct {
	Message string
}

func (e *ParamError) Error() string { return e.Message }

func (e *ParamError) Unwrap() error { return ErrInvalidParameter }

type Kind int

const (
	ShowPage Kind = iota
	CycleExpression
	SetExpression
	CycleColor
	SetColor
	SetSpeech
	QueryStatus
)

var kindNames = map[Kind]string{
	ShowPage:        "show_page",
	CycleExpression: "cycle_expression",
	SetExpression:   "set_expression",
	CycleColor:      "cycle_color",
	SetColor:        "set_color",
	SetSpeech:       "set_speech",
	QueryStatus:     "query_status",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Command is one decoded instruction. Index is used by SetExpression and
// SetColor; Text, Expression and HasExpression by SetSpeech.
type Command struct {
	Kind          Kind
	Index         int
	Text          string
	Expression    int
	HasExpression bool
}

// Mutates reports whether applying c can change the presentation state.
func (c Command) Mutates() bool {
	return c.Kind != ShowPage && c.Kind != QueryStatus
}

func (c Command) String() string {
	switch c.Kind {
	case SetExpression, SetColor:
		return fmt.Sprintf("%s index=%d", c.Kind, c.Index)
	case SetSpeech:
		if c.HasExpression {
			return fmt.Sprintf("%s expression=%d text=%q", c.Kind, c.Expression, c.Text)
		}
		return fmt.Sprintf("%s text=%q", c.Kind, c.Text)
	default:
		return c.Kind.String()
	}
}

// Request is the transport-neutral form of an incoming call.
type Request struct {
	Path  string
	Query map[string]string
}

// FromValues builds a Request from url.Values, keeping the last value of repeated keys.
func FromValues(path string, values url.Values) Request {
	q := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		q[k] = vs[len(vs)-1]
	}
	return Request{Path: path, Query: q}
}

func (r Request) param(key string) (string, bool) {
	v, ok := r.Query[key]
	return v, ok
}

// Decode maps a request onto the route vocabulary. Numeric parameters are parsed
// leniently; range checks belong to the dispatcher.
func Decode(r Request) (Command, error) {
	switch r.Path {
	case "", "/", "/index.html":
		return Command{Kind: ShowPage}, nil
	case "/api/expression":
		return Command{Kind: CycleExpression}, nil
	case "/api/color":
		return Command{Kind: CycleColor}, nil
	case "/api/status":
		return Command{Kind: QueryStatus}, nil
	case "/api/setcolor":
		v, ok := r.param("index")
		if !ok {
			return Command{}, &ParamError{Message: "Missing index parameter"}
		}
		return Command{Kind: SetColor, Index: atoiLenient(v)}, nil
	case "/api/set":
		exprStr, hasExpr := r.param("expression")
		speech, hasSpeech := r.param("speech")
		switch {
		case hasSpeech:
			cmd := Command{Kind: SetSpeech, Text: speech}
			if hasExpr {
				cmd.Expression = atoiLenient(exprStr)
				cmd.HasExpression = true
			}
			return cmd, nil
		case hasExpr:
			return Command{Kind: SetExpression, Index: atoiLenient(exprStr)}, nil
		default:
			return Command{}, &ParamError{Message: "パラメータが指定されていません"}
		}
	default:
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownRoute, r.Path)
	}
}

// atoiLenient reads an optional sign and leading digits after leading spaces.
// Anything else yields 0. Values beyond int32 saturate so they fail range checks.
func atoiLenient(s string) int {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	n, err := strconv.ParseInt(s[:end], 10, 32)
	if err != nil {
		if s[0] == '-' {
			return math.MinInt32
		}
		return math.MaxInt32
	}
	return int(n)
}

// ParseRequestLine parses a single pseudo-HTTP line such as
// "GET /api/setcolor?index=2 HTTP/1.1". Only GET is understood.
func ParseRequestLine(line string) (Request, error) {
	const method = "GET "
	if !strings.HasPrefix(line, method) {
		return Request{}, ErrMalformedRequest
	}
	rest := line[len(method):]

	end := len(rest)
	for _, delim := range []string{" HTTP", "\r", "\n"} {
		if i := strings.Index(rest, delim); i >= 0 && i < end {
			end = i
		}
	}
	target := rest[:end]
	if target == "" {
		target = "/"
	}
	if !strings.HasPrefix(target, "/") {
		return Request{}, ErrMalformedRequest
	}

	path, rawQuery, _ := strings.Cut(target, "?")
	query := make(map[string]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		query[key] = val
	}
	return Request{Path: path, Query: query}, nil
}

// RequestLine formats r the way ParseRequestLine reads it.
func (r Request) RequestLine() string {
	path := r.Path
	if path == "" {
		path = "/"
	}
	if len(r.Query) > 0 {
		vals := make(url.Values, len(r.Query))
		for k, v := range r.Query {
			vals.Set(k, v)
		}
		path += "?" + vals.Encode()
	}
	return "GET " + path + " HTTP/1.1"
}
