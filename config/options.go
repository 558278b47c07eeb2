package config

import "time"

var (
	LoginRequestTimeout         = 25 * time.Second
	TokenExchangeRequestTimeout = 25 * time.Second
	RefreshRequestTimeout       = 15 * time.Second
	APIRequestTimeout           = 15 * time.Second
	DeviceActionRequestTimeout  = 15 * time.Second
)
