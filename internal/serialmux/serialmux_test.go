package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommandAppendsNewline(t *testing.T) {
	port := NewMemPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("POLL,1,10,0"))
	require.NoError(t, mux.SendCommand("RESET,20\n"))
	assert.Equal(t, []string{"POLL,1,10,0", "RESET,20"}, port.Written())
}

func TestSendCommandWriteError(t *testing.T) {
	port := NewMemPort()
	port.FailWrites(errors.New("boom"))
	assert.Error(t, NewSerialMux(port).SendCommand("x"))
}

func TestInitialise(t *testing.T) {
	port := NewMemPort()
	require.NoError(t, NewSerialMux(port).Initialise(7))

	written := port.Written()
	require.Len(t, written, 4)
	assert.True(t, strings.HasPrefix(written[0], "TIME,"))
	assert.Equal(t, "TAG,7", written[1])
	assert.Equal(t, "MODE,HOST", written[2])
}

func TestMonitorFansOutLines(t *testing.T) {
	port := NewMemPort()
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	idB, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.Feed("RESP,1,10,3.2,-70,100")
	assert.Equal(t, "RESP,1,10,3.2,-70,100", recv(t, a))
	assert.Equal(t, "RESP,1,10,3.2,-70,100", recv(t, b))

	mux.Unsubscribe(idB)
	_, open := <-b
	assert.False(t, open, "unsubscribed channel is closed")

	port.Feed("# boot")
	assert.Equal(t, "# boot", recv(t, a))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return on cancel")
	}
	require.NoError(t, mux.Close())
}

func TestMonitorDropsForSlowSubscriber(t *testing.T) {
	port := NewMemPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer mux.Close()
	go mux.Monitor(ctx)

	for i := 0; i < SubscriberBuffer+10; i++ {
		port.Feed("LOG,x")
	}
	require.Eventually(t, func() bool { return mux.Dropped() == 10 }, time.Second, time.Millisecond)
	assert.Len(t, ch, SubscriberBuffer)
}

func TestCloseClosesSubscribers(t *testing.T) {
	port := NewMemPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()
	require.NoError(t, mux.Close())
	_, open := <-ch
	assert.False(t, open)
	_, err := port.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestClassifyLine(t *testing.T) {
	assert.Equal(t, LineTypeResponse, ClassifyLine("RESP,1,10,2.0,-60,5"))
	assert.Equal(t, LineTypeReset, ClassifyLine("RACK,10"))
	assert.Equal(t, LineTypeLog, ClassifyLine("# DW3000 ready"))
	assert.Equal(t, LineTypeLog, ClassifyLine("LOG,temp=41"))
	assert.Equal(t, LineTypeUnknown, ClassifyLine("garbage"))
}

func TestParseFraming(t *testing.T) {
	opts, err := PortOptions{}.ParseFraming("7e2")
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 7, StopBits: 2, Parity: "E"}, opts)

	for _, bad := range []string{"", "9N1", "8X1", "8N3", "8N"} {
		_, err := PortOptions{}.ParseFraming(bad)
		assert.Error(t, err, bad)
	}
}

func TestSerialModeDefaults(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, DefaultBaudRate, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
}

func TestAdminSendCommand(t *testing.T) {
	port := NewMemPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/debug/send-command-api",
		strings.NewReader(url.Values{"command": {"RESET,30"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"RESET,30"}, port.Written())

	req = httptest.NewRequest(http.MethodGet, "/debug/send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w = httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case line := <-ch:
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}
