// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// clamdChunkSize é o tamanho de cada frame INSTREAM. Fica abaixo do
// StreamMaxLength default do clamd por frame.
const clamdChunkSize = 64 * 1024

// ClamdScanner envia o artefato ao clamd pelo comando INSTREAM:
//
//	zINSTREAM\0 | <len uint32 BE><bytes> ... | <0 uint32>
//
// e interpreta "stream: OK" ou "stream: <nome> FOUND".
type ClamdScanner struct {
	address string
	timeout time.Duration
	logger  *slog.Logger
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewClamdScanner cria o scanner para clamd em address (host:port).
func NewClamdScanner(address string, timeout time.Duration, logger *slog.Logger) *ClamdScanner {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &ClamdScanner{address: address, timeout: timeout, logger: logger, dial: d.DialContext}
}

func (c *ClamdScanner) Scan(ctx context.Context, r io.Reader) (Result, error) {
	start := time.Now()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dial(ctx, "tcp", c.address)
	if err != nil {
		return Result{}, fmt.Errorf("connecting to clamd %s: %w", c.address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	w := bufio.NewWriterSize(conn, clamdChunkSize+4)
	if _, err := w.WriteString("zINSTREAM\x00"); err != nil {
		return Result{}, fmt.Errorf("sending INSTREAM: %w", err)
	}

	buf := make([]byte, clamdChunkSize)
	var header [4]byte
	var scanned int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			binary.BigEndian.PutUint32(header[:], uint32(n))
			if _, err := w.Write(header[:]); err != nil {
				return Result{}, fmt.Errorf("sending frame header: %w", err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return Result{}, fmt.Errorf("sending frame: %w", err)
			}
			scanned += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return Result{}, fmt.Errorf("reading artifact: %w", rerr)
		}
	}

	binary.BigEndian.PutUint32(header[:], 0)
	if _, err := w.Write(header[:]); err != nil {
		return Result{}, fmt.Errorf("sending terminator: %w", err)
	}
	if err := w.Flush(); err != nil {
		return Result{}, fmt.Errorf("flushing stream: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("reading clamd reply: %w", err)
	}

	res, err := parseClamdReply(reply)
	if err != nil {
		return Result{}, err
	}
	res.Scanned = scanned
	res.Duration = time.Since(start)
	c.logger.Debug("clamd scan finished", "verdict", res.Verdict, "bytes", scanned, "duration", res.Duration)
	return res, nil
}

// parseClamdReply interpreta a resposta de uma linha do clamd.
func parseClamdReply(reply string) (Result, error) {
	reply = strings.TrimRight(reply, "\x00\r\n ")
	body := strings.TrimPrefix(reply, "stream: ")

	switch {
	case body == "OK":
		return Result{Verdict: VerdictClean}, nil
	case strings.HasSuffix(body, " FOUND"):
		return Result{Verdict: VerdictFlagged, Signature: strings.TrimSuffix(body, " FOUND")}, nil
	case strings.HasSuffix(body, " ERROR"):
		return Result{}, fmt.Errorf("clamd error: %s", strings.TrimSuffix(body, " ERROR"))
	default:
		return Result{}, fmt.Errorf("unexpected clamd reply %q", reply)
	}
}
