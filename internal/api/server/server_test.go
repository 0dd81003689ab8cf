package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wb-go/wbf/ginext"

	"notify-scheduler/internal/config"
)

func TestNew(t *testing.T) {
	router := ginext.New()

	s := New(config.Server{
		HTTPPort:     ":4001",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}, router)

	assert.Equal(t, ":4001", s.Addr)
	assert.Equal(t, 15*time.Second, s.ReadTimeout)
	assert.Equal(t, 30*time.Second, s.WriteTimeout)
}
