package clamav

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClamd accepts one connection, consumes an INSTREAM payload and replies
// with the given verdict line. The received payload is reported on payloadCh.
func fakeClamd(t *testing.T, verdict string, payloadCh chan<- []byte) (host string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		cmd, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		if strings.TrimSpace(cmd) == "nPING" {
			conn.Write([]byte("PONG\n"))
			return
		}

		var payload bytes.Buffer
		for {
			var prefix [4]byte
			if _, err := io.ReadFull(reader, prefix[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(prefix[:])
			if n == 0 {
				break
			}
			if _, err := io.CopyN(&payload, reader, int64(n)); err != nil {
				return
			}
		}

		if payloadCh != nil {
			payloadCh <- payload.Bytes()
		}
		conn.Write([]byte(verdict + "\n"))
	}()

	addr := ln.Addr().String()
	hostPart, portPart, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(portPart)
	require.NoError(t, err)
	return hostPart, p
}

func TestPing(t *testing.T) {
	host, port := fakeClamd(t, "", nil)
	client := NewClient(host, port, 2*time.Second)

	require.NoError(t, client.Ping(context.Background()))
}

func TestPingDaemonDown(t *testing.T) {
	// Grab a port and close it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	host, portPart, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portPart)

	client := NewClient(host, port, 500*time.Millisecond)
	require.Error(t, client.Ping(context.Background()))
}

func TestScanCleanStream(t *testing.T) {
	payloadCh := make(chan []byte, 1)
	host, port := fakeClamd(t, "stream: OK", payloadCh)
	client := NewClient(host, port, 2*time.Second)

	content := bytes.Repeat([]byte("archival payload "), 500) // > one chunk
	result, err := client.Scan(context.Background(), bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, StatusClean, result.Status)
	assert.Empty(t, result.Signature)

	// The daemon saw exactly the bytes we streamed, reassembled across chunks
	assert.Equal(t, content, <-payloadCh)
}

func TestScanInfectedStream(t *testing.T) {
	host, port := fakeClamd(t, "stream: Eicar-Test-Signature FOUND", nil)
	client := NewClient(host, port, 2*time.Second)

	result, err := client.Scan(context.Background(), strings.NewReader("malicious bytes"))
	require.NoError(t, err)
	assert.Equal(t, StatusInfected, result.Status)
	assert.Equal(t, "Eicar-Test-Signature", result.Signature)
}

func TestScanDaemonError(t *testing.T) {
	host, port := fakeClamd(t, "INSTREAM size limit exceeded. ERROR", nil)
	client := NewClient(host, port, 2*time.Second)

	result, err := client.Scan(context.Background(), strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Detail, "size limit")
}

func TestScanConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	host, portPart, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portPart)

	client := NewClient(host, port, 500*time.Millisecond)
	result, err := client.Scan(context.Background(), strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, StatusError, result.Status)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		line   string
		status Status
		sig    string
		hasErr bool
	}{
		{"stream: OK", StatusClean, "", false},
		{"stream: Win.Test.EICAR_HDB-1 FOUND", StatusInfected, "Win.Test.EICAR_HDB-1", false},
		{"stream: some ERROR", StatusError, "", false},
		{"garbage reply", StatusError, "", true},
	}

	for _, tt := range tests {
		result, err := parseVerdict(tt.line)
		if tt.hasErr {
			assert.Error(t, err, tt.line)
		} else {
			assert.NoError(t, err, tt.line)
		}
		assert.Equal(t, tt.status, result.Status, tt.line)
		if tt.sig != "" {
			assert.Equal(t, tt.sig, result.Signature, tt.line)
		}
	}
}
