// Package clamav implements a client for the clamd scanning daemon over its
// TCP line protocol. Files are streamed with the INSTREAM command and the
// one-line verdict is parsed for the FOUND / OK / ERROR markers.
package clamav

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Status is the classification of a scanned byte stream
type Status int

const (
	StatusClean Status = iota
	StatusInfected
	StatusError
)

// Result holds the scan verdict. Signature is set when infected, Detail when
// the daemon reported an error.
type Result struct {
	Status    Status
	Signature string
	Detail    string
}

// Scanner is the interface consumed by the upload session manager. Transport
// failures (dial, timeout, malformed reply) surface as a non-nil error;
// daemon-reported errors surface as StatusError. Callers treat both as a
// scan-unavailable rejection, never as a clean file.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (Result, error)
}

// Client talks to a clamd instance over TCP
type Client struct {
	addr    string
	timeout time.Duration
}

// chunkSize is the INSTREAM chunk size. clamd caps chunks at StreamMaxLength;
// 2KB keeps us well under any sane configuration.
const chunkSize = 2048

// NewClient creates a clamd client for host:port with the given per-scan timeout
func NewClient(host string, port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: timeout,
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("clamd dial %s: %w", c.addr, err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	return conn, nil
}

// Ping checks daemon liveness with the PING command
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("nPING\n")); err != nil {
		return fmt.Errorf("clamd ping: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("clamd ping reply: %w", err)
	}
	if strings.TrimSpace(reply) != "PONG" {
		return fmt.Errorf("clamd ping: unexpected reply %q", strings.TrimSpace(reply))
	}
	return nil
}

// Scan streams r to clamd with INSTREAM and parses the verdict line.
// The scan is bounded by the client timeout and the context deadline,
// whichever is sooner.
func (c *Client) Scan(ctx context.Context, r io.Reader) (Result, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Result{Status: StatusError}, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("nINSTREAM\n")); err != nil {
		return Result{Status: StatusError}, fmt.Errorf("clamd instream command: %w", err)
	}

	// Stream the payload as length-prefixed chunks, terminated by a
	// zero-length chunk.
	buf := make([]byte, chunkSize)
	var prefix [4]byte
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, err := conn.Write(prefix[:]); err != nil {
				return Result{Status: StatusError}, fmt.Errorf("clamd stream write: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return Result{Status: StatusError}, fmt.Errorf("clamd stream write: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{Status: StatusError}, fmt.Errorf("read payload: %w", readErr)
		}
	}

	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := conn.Write(prefix[:]); err != nil {
		return Result{Status: StatusError}, fmt.Errorf("clamd stream terminate: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return Result{Status: StatusError}, fmt.Errorf("clamd verdict: %w", err)
	}

	return parseVerdict(strings.TrimSpace(reply))
}

// parseVerdict interprets a clamd reply line such as
//
//	stream: OK
//	stream: Eicar-Test-Signature FOUND
//	INSTREAM size limit exceeded. ERROR
func parseVerdict(line string) (Result, error) {
	switch {
	case strings.HasSuffix(line, "OK"):
		return Result{Status: StatusClean}, nil

	case strings.HasSuffix(line, "FOUND"):
		sig := strings.TrimSuffix(line, "FOUND")
		if idx := strings.Index(sig, ":"); idx >= 0 {
			sig = sig[idx+1:]
		}
		return Result{Status: StatusInfected, Signature: strings.TrimSpace(sig)}, nil

	case strings.HasSuffix(line, "ERROR"):
		return Result{Status: StatusError, Detail: line}, nil

	default:
		return Result{Status: StatusError, Detail: line}, fmt.Errorf("clamd verdict: malformed reply %q", line)
	}
}
