package sse

import (
	"bufio"
	"bytes"
	"net/http"
)

// cannedResponse is http.RoundTripper replying with fixed raw response or error.
type cannedResponse struct {
	raw string
	err error
}

func (c *cannedResponse) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader([]byte(c.raw))), req)
}
