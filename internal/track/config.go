// Package track is the device-side half of the live tracking protocol: a
// Publisher that turns GPS fixes into a dual-channel update stream, a
// Watcher that materializes another delivery's position, and the
// StreamSession both of them ride on.
package track

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Config carries everything a Publisher or Watcher needs. No package-level
// singletons: callers construct one explicitly, so several sessions with
// different credentials can coexist in one process.
type Config struct {
	// BaseURL is the fallback channel root, e.g. "https://api.example.com/api".
	BaseURL string
	// StreamURL is the websocket endpoint, e.g. "wss://api.example.com/ws/tracking".
	StreamURL string
	// Token is an optional bearer credential. Watchers may leave it empty.
	Token string

	// HTTPClient overrides the fallback channel's client. Nil means a
	// 10-second-timeout default.
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

func (c Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}
