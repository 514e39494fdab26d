package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.pilab.hu/verifybot/log"
)

// DefaultSchedule pings often enough to keep free-tier hosts from idling the process.
const DefaultSchedule = "@every 14m"

// Pinger periodically requests the service's own public URL.
type Pinger struct {
	url    string
	client *http.Client
	cron   *cron.Cron
	logger log.Logger
}

// NewPinger schedules pings of target. A target without a scheme is treated as http.
func NewPinger(target, schedule string, logger log.Logger) (*Pinger, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	p := &Pinger{
		url:    target,
		client: &http.Client{Timeout: 10 * time.Second},
		cron:   cron.New(),
		logger: logger,
	}
	if _, err := p.cron.AddFunc(schedule, func() {
		if err := p.PingOnce(context.Background()); err != nil {
			p.logger.Warn(context.Background(), "Keep-alive ping failed", log.Fields{"url": p.url, "error": err.Error()})
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid keep-alive schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start starts the schedule in the background.
func (p *Pinger) Start() {
	p.cron.Start()
	p.logger.Info(context.Background(), "Keep-alive pinger started", log.Fields{"url": p.url})
}

// Stop stops the schedule and waits for a running ping.
func (p *Pinger) Stop() {
	<-p.cron.Stop().Done()
}

// PingOnce requests the URL once.
func (p *Pinger) PingOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("keep-alive ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}
