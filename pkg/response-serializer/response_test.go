package serializer

import (
	"strings"
	"testing"
)

func TestReadHead(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	head, err := ReadHead(strings.NewReader(response))
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if head.StatusCode != 200 || head.Status != "200 OK" {
		t.Fatalf("Status: %d %s", head.StatusCode, head.Status)
	}
	if head.Proto != "HTTP/1.1" {
		t.Fatalf("Proto: %s", head.Proto)
	}
	if head.Header.Get("Server") != "Test" {
		t.Fatalf("Header: %+v", head.Header)
	}
	if head.ContentLength != 16 || head.Chunked {
		t.Fatalf("Length: %d, chunked: %v", head.ContentLength, head.Chunked)
	}
}

func TestReadHeadChunked(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"

	head, err := ReadHead(strings.NewReader(response))
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if !head.Chunked {
		t.Fatalf("Chunked encoding not detected: %+v", head)
	}
	if head.ContentLength != -1 {
		t.Fatalf("Length: %d", head.ContentLength)
	}
}

func TestReadHeadMalformed(t *testing.T) {
	for _, response := range []string{"", "garbage\r\n\r\n", "HTTP/1.1 abc OK\r\n\r\n"} {
		if _, err := ReadHead(strings.NewReader(response)); err == nil {
			t.Fatalf("Expected error for %q", response)
		}
	}
}
