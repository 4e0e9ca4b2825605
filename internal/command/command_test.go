package command

import (
	"errors"
	"math"
	"net/url"
	"testing"
)

func TestDecode_Routes(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want Command
	}{
		{name: "root", req: Request{Path: "/"}, want: Command{Kind: ShowPage}},
		{name: "index.html", req: Request{Path: "/index.html"}, want: Command{Kind: ShowPage}},
		{name: "cycle expression", req: Request{Path: "/api/expression"}, want: Command{Kind: CycleExpression}},
		{name: "cycle color", req: Request{Path: "/api/color"}, want: Command{Kind: CycleColor}},
		{name: "status", req: Request{Path: "/api/status"}, want: Command{Kind: QueryStatus}},
		{
			name: "set color",
			req:  Request{Path: "/api/setcolor", Query: map[string]string{"index": "2"}},
			want: Command{Kind: SetColor, Index: 2},
		},
		{
			name: "set color out of range is passed through",
			req:  Request{Path: "/api/setcolor", Query: map[string]string{"index": "9"}},
			want: Command{Kind: SetColor, Index: 9},
		},
		{
			name: "expression only",
			req:  Request{Path: "/api/set", Query: map[string]string{"expression": "3"}},
			want: Command{Kind: SetExpression, Index: 3},
		},
		{
			name: "speech only",
			req:  Request{Path: "/api/set", Query: map[string]string{"speech": "hello"}},
			want: Command{Kind: SetSpeech, Text: "hello"},
		},
		{
			name: "speech with expression",
			req:  Request{Path: "/api/set", Query: map[string]string{"speech": "hello", "expression": "1"}},
			want: Command{Kind: SetSpeech, Text: "hello", Expression: 1, HasExpression: true},
		},
		{
			name: "empty speech",
			req:  Request{Path: "/api/set", Query: map[string]string{"speech": ""}},
			want: Command{Kind: SetSpeech},
		},
		{
			name: "unparseable index becomes zero",
			req:  Request{Path: "/api/setcolor", Query: map[string]string{"index": "blue"}},
			want: Command{Kind: SetColor, Index: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.req)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %+v; want %+v", got, tt.want)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
		wantMsg string
	}{
		{name: "unknown route", req: Request{Path: "/api/dance"}, wantErr: ErrUnknownRoute},
		{name: "set color without index", req: Request{Path: "/api/setcolor"}, wantErr: ErrInvalidParameter, wantMsg: "Missing index parameter"},
		{name: "set without params", req: Request{Path: "/api/set"}, wantErr: ErrInvalidParameter, wantMsg: "パラメータが指定されていません"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v; want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("error message = %q; want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestAtoiLenient(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"0", 0},
		{"5", 5},
		{"-1", -1},
		{"+3", 3},
		{"  2", 2},
		{"2abc", 2},
		{"abc", 0},
		{"", 0},
		{"-", 0},
		{"99999999999", math.MaxInt32},
		{"-99999999999", math.MinInt32},
	}
	for _, tt := range tests {
		if got := atoiLenient(tt.in); got != tt.want {
			t.Errorf("atoiLenient(%q) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestFromValues_LastWriteWins(t *testing.T) {
	vals := url.Values{"index": {"1", "4"}, "empty": {}}
	req := FromValues("/api/setcolor", vals)

	if req.Query["index"] != "4" {
		t.Errorf("index = %q; want 4", req.Query["index"])
	}
	if _, ok := req.Query["empty"]; ok {
		t.Error("key without values should be dropped")
	}
}

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantPath  string
		wantQuery map[string]string
	}{
		{
			name:      "full line",
			line:      "GET /api/setcolor?index=2 HTTP/1.1",
			wantPath:  "/api/setcolor",
			wantQuery: map[string]string{"index": "2"},
		},
		{
			name:     "no protocol suffix",
			line:     "GET /api/status",
			wantPath: "/api/status",
		},
		{
			name:     "terminated by CRLF",
			line:     "GET /api/color\r\nHost: x\r\n",
			wantPath: "/api/color",
		},
		{
			name:     "terminated by LF",
			line:     "GET /api/expression\n",
			wantPath: "/api/expression",
		},
		{
			name:     "empty path is root",
			line:     "GET  HTTP/1.1",
			wantPath: "/",
		},
		{
			name:      "percent decoding and last write wins",
			line:      "GET /api/set?speech=%E3%81%93%E3%82%93%E3%81%AB%E3%81%A1%E3%81%AF&expression=0&expression=2 HTTP/1.1",
			wantPath:  "/api/set",
			wantQuery: map[string]string{"speech": "こんにちは", "expression": "2"},
		},
		{
			name:      "plus is a space, bare key is empty",
			line:      "GET /api/set?speech=hello+world&flag HTTP/1.1",
			wantPath:  "/api/set",
			wantQuery: map[string]string{"speech": "hello world", "flag": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequestLine(tt.line)
			if err != nil {
				t.Fatalf("ParseRequestLine(%q) error = %v", tt.line, err)
			}
			if got.Path != tt.wantPath {
				t.Errorf("Path = %q; want %q", got.Path, tt.wantPath)
			}
			if len(got.Query) != len(tt.wantQuery) {
				t.Fatalf("Query = %v; want %v", got.Query, tt.wantQuery)
			}
			for k, v := range tt.wantQuery {
				if got.Query[k] != v {
					t.Errorf("Query[%q] = %q; want %q", k, got.Query[k], v)
				}
			}
		})
	}
}

func TestParseRequestLine_Malformed(t *testing.T) {
	for _, line := range []string{
		"not a request",
		"",
		"POST /api/color HTTP/1.1",
		"get /api/color HTTP/1.1",
		"GET api/color HTTP/1.1",
		"GET /api/set?speech=%zz HTTP/1.1",
	} {
		if _, err := ParseRequestLine(line); !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("ParseRequestLine(%q) error = %v; want ErrMalformedRequest", line, err)
		}
	}
}

func TestRequestLine_RoundTrip(t *testing.T) {
	req := Request{Path: "/api/set", Query: map[string]string{"speech": "やあ & hi", "expression": "1"}}

	got, err := ParseRequestLine(req.RequestLine())
	if err != nil {
		t.Fatalf("ParseRequestLine error = %v", err)
	}
	if got.Path != req.Path || got.Query["speech"] != "やあ & hi" || got.Query["expression"] != "1" {
		t.Errorf("round trip = %+v; want %+v", got, req)
	}
}

func TestCommand_Mutates(t *testing.T) {
	if (Command{Kind: QueryStatus}).Mutates() || (Command{Kind: ShowPage}).Mutates() {
		t.Error("queries must not mutate")
	}
	for _, k := range []Kind{CycleExpression, SetExpression, CycleColor, SetColor, SetSpeech} {
		if !(Command{Kind: k}).Mutates() {
			t.Errorf("%v should mutate", k)
		}
	}
}
