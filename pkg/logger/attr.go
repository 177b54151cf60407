package logger

import (
	"log/slog"
	"strconv"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the application user under the key "user_id".
// If id is nil, it returns an empty Attr.
func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

// RequestID records the request identifier under the key "request_id".
func RequestID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("request_id", id)
}

// Provider records the payment provider name.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// EventID records the provider event identifier under the key "event_id".
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// EventType records the raw provider event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// SubscriptionID records the provider subscription identifier.
func SubscriptionID(id string) slog.Attr {
	return slog.String("subscription_id", id)
}

// SessionID records a checkout session identifier.
func SessionID(id string) slog.Attr {
	return slog.String("session_id", id)
}

func PriceID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("price_id", id)
}

// Outcome records how an event or job ended.
func Outcome(o string) slog.Attr {
	return slog.String("outcome", o)
}

// RetryCount records the retry count under the key "retry_count".
func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Task records a background task name.
func Task(name string) slog.Attr {
	return slog.String("task", name)
}
