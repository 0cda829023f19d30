package service

import "errors"

var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrEventNotFound      = errors.New("event not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrUnknownSystem      = errors.New("unknown source system")
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrEndpointNotFound   = errors.New("endpoint not found")
	ErrDeliveryNotFound   = errors.New("delivery not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrMysqlUnhealthy     = errors.New("mysql unhealthy")
	ErrRedisUnhealthy     = errors.New("redis unhealthy")
)
