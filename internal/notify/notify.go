package notify

import (
	"golang.org/x/time/rate"

	"ladder/internal/logger"
)

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so different components can depend on it without
// importing concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// Alarmer 是 worker 看到的告警出口：限流 + 异步投递，
// 告警风暴时宁可丢消息也不能拖慢交易闭环。
type Alarmer struct {
	sink    TextNotifier
	limiter *rate.Limiter
}

// NewAlarmer wraps a notifier with a per-minute alarm budget.
// perMinute <= 0 disables throttling.
func NewAlarmer(sink TextNotifier, perMinute float64) *Alarmer {
	var limiter *rate.Limiter
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(perMinute/60), int(perMinute)+1)
	}
	return &Alarmer{sink: sink, limiter: limiter}
}

// Alarm fires and forgets. Dropped alarms still land in the log.
func (a *Alarmer) Alarm(text string) {
	if a == nil || a.sink == nil {
		return
	}
	if a.limiter != nil && !a.limiter.Allow() {
		logger.Warnf("alarm throttled: %s", text)
		return
	}
	go func() {
		if err := a.sink.SendText(text); err != nil {
			logger.Errorf("alarm delivery failed: %v", err)
		}
	}()
}

// Noop is the disabled notifier.
type Noop struct{}

func (Noop) SendText(string) error { return nil }

var _ TextNotifier = Noop{}
