package server

import (
	"fmt"

	"github.com/mismo-messaging/mismo/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

type Session struct {
	Id       string
	RemoteIP string
	*User
	HostName string
	Protocol string
	Stats    ConnectionStatsProvider
}

func (s *Session) logContext(format string, args ...any) []any {
	user := "none"
	if s.User != nil {
		user = fmt.Sprintf("%s/%d", s.FullAddress(), s.MailboxID())
	}

	kv := []any{
		"protocol", s.Protocol,
		"remote", s.RemoteIP,
		"user", user,
		"session", s.Id,
	}
	if s.Stats != nil {
		kv = append(kv, "conn_total", s.Stats.GetTotalConnections())
		if s.Protocol != "SMTP" {
			// SMTP sessions are counted but not all authenticate
			kv = append(kv, "conn_auth", s.Stats.GetAuthenticatedConnections())
		}
	}
	return append(kv, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.logContext(format, args...)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.logContext(format, args...)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.logContext(format, args...)...)
}

func (s *Session) ErrorLog(format string, args ...any) {
	logger.Error("Session", s.logContext(format, args...)...)
}
