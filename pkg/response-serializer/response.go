package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

// Head is the status line and header fields of a stored response.
type Head struct {
	Status        string      `json:"status"`
	StatusCode    int         `json:"statusCode"`
	Proto         string      `json:"proto"`
	Header        http.Header `json:"header"`
	ContentLength int64       `json:"contentLength"`
	Chunked       bool        `json:"chunked"`
}

// ReadHead parses the head of the raw HTTP/1.x response in r.
// The body is not read.
func ReadHead(r io.Reader) (Head, error) {
	res, err := http.ReadResponse(bufio.NewReader(r), nil)
	if err != nil {
		return Head{}, err
	}
	defer res.Body.Close()
	return headOf(res), nil
}

func headOf(res *http.Response) Head {
	head := Head{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         res.Proto,
		Header:        res.Header,
		ContentLength: res.ContentLength,
	}
	for _, te := range res.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			head.Chunked = true
		}
	}
	return head
}
