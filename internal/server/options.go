package server

import (
	"time"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/session"
)

type Options struct {
	Address        string
	Port           int
	Timeout        time.Duration
	TimeoutCeiling time.Duration
}

func NewDefaultOptions() *Options {
	return &Options{
		Address:        "0.0.0.0",
		Port:           common.DefaultPort,
		Timeout:        session.DefaultTimeout,
		TimeoutCeiling: session.DefaultCeiling,
	}
}
