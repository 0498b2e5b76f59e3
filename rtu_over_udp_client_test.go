package vfd

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveUDP answers datagrams with drive until the test ends.
func serveUDP(t *testing.T, drive *ev50Drive) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, rtuMaxSize)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if response := drive.handle(buf[:n]); response != nil {
				if _, err := conn.WriteTo(response, addr); err != nil {
					return
				}
			}
		}
	}()
	return conn.LocalAddr().String()
}

func TestRTUOverUDPSpindle(t *testing.T) {
	drive := newEV50Drive()
	drive.minFrequency = 500
	handler := NewRTUOverUDPClientHandler(serveUDP(t, drive))
	handler.SlaveID = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()

	s := NewSpindle("udp", NewEV50(nil), handler, nil)
	s.PollInterval = time.Millisecond
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	assert.Equal(t, Range{Min: 500, Max: 4000}, s.State().Range)

	require.NoError(t, s.SetState(ctx, Cw, 24000))
	rpm, err := s.Speed(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(24000), rpm)
}

func TestRTUOverUDPException(t *testing.T) {
	drive := newEV50Drive()
	drive.exception = ExceptionCodeIllegalDataValue
	handler := NewRTUOverUDPClientHandler(serveUDP(t, drive))
	handler.SlaveID = 1
	defer handler.Close()

	request := withCRC([]byte{0x01, 0x06, 0x01, 0x21, 0x00, 0x00})
	response, err := handler.Send(request)
	require.NoError(t, err)
	assert.Equal(t, withCRC([]byte{0x01, 0x86, 0x03}), response)

	err = handler.Verify(request, response, 6)
	var mbErr *Error
	require.True(t, errors.As(err, &mbErr), "got %v", err)
	assert.Equal(t, byte(ExceptionCodeIllegalDataValue), mbErr.ExceptionCode)
}

func TestRTUOverUDPTimeout(t *testing.T) {
	drive := newEV50Drive()
	drive.silent = true
	handler := NewRTUOverUDPClientHandler(serveUDP(t, drive))
	handler.Timeout = 20 * time.Millisecond
	defer handler.Close()

	_, err := handler.Send(withCRC([]byte{0x01, 0x03, 0x03, 0xFC, 0x00, 0x02}))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.True(t, netErr.Timeout())
}

func TestRTUOverUDPShortRequest(t *testing.T) {
	handler := NewRTUOverUDPClientHandler("127.0.0.1:1")
	_, err := handler.Send([]byte{0x01, 0x03})
	assert.Error(t, err)
}
