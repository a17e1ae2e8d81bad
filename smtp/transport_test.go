package smtp

import (
	"net"
	"testing"
	"time"
)

func TestTransportReadLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	transport := NewPlainTransport(server)
	defer transport.Close()

	go func() { client.Write([]byte("EHLO mail.example.com\r\n")) }()

	line, err := transport.ReadLine(MaxCommandLineLength, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if line != "EHLO mail.example.com" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestTransportReadLineBareLF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	transport := NewPlainTransport(server)
	defer transport.Close()

	go func() { client.Write([]byte("NOOP\n")) }()

	line, err := transport.ReadLine(MaxCommandLineLength, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if line != "NOOP" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestTransportReadLineTooLong(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	transport := NewPlainTransport(server)
	defer transport.Close()

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = 'x'
	}
	payload = append(payload, '\r', '\n')
	go func() { client.Write(payload) }()

	_, err := transport.ReadLine(MaxCommandLineLength, time.Now().Add(time.Second))
	if err != ErrLineTooLong {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestTransportReadLineTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	transport := NewPlainTransport(server)
	defer transport.Close()

	_, err := transport.ReadLine(MaxCommandLineLength, time.Now().Add(10*time.Millisecond))
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestTransportReadExact(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	transport := NewPlainTransport(server)
	defer transport.Close()

	go func() { client.Write([]byte("hello world")) }()

	buf, err := transport.ReadExact(11, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("unexpected payload: %q", buf)
	}
}

func TestTransportWriteAll(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	transport := NewPlainTransport(server)
	defer transport.Close()

	done := make(chan error, 1)
	go func() { done <- transport.WriteAll([]byte("220 ready\r\n")) }()

	buf := make([]byte, 11)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("%v", err)
	}
	if string(buf) != "220 ready\r\n" {
		t.Fatalf("unexpected payload: %q", buf)
	}
	if err := <-done; err != nil {
		t.Fatalf("%v", err)
	}
}
