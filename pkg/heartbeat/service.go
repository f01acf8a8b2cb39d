package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/relayclaw/relayclaw/pkg/bus"
	"github.com/relayclaw/relayclaw/pkg/logger"
)

// HeartbeatOK is the sentinel the agent answers with when there is
// nothing to report; such responses are never delivered.
const HeartbeatOK = "HEARTBEAT_OK"

// tickInterval is how often the cron schedule is evaluated.
const tickInterval = time.Minute

// Service periodically wakes the agent on a cron schedule and delivers
// anything noteworthy to a configured channel.
type Service struct {
	workspace      string
	schedule       string
	enabled        bool
	onHeartbeat    func(string) (string, error)
	deliverChannel string
	deliverChatID  string
	bus            *bus.MessageBus
	gron           *gronx.Gronx
	mu             sync.RWMutex
	stopChan       chan struct{}
}

// NewService validates the cron schedule and returns the service. An
// invalid schedule is an error: a silently dead heartbeat is worse
// than a refused config.
func NewService(workspace, schedule string, enabled bool) (*Service, error) {
	g := gronx.New()
	if schedule == "" {
		schedule = "*/30 * * * *"
	}
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid heartbeat schedule %q", schedule)
	}
	return &Service{
		workspace: workspace,
		schedule:  schedule,
		enabled:   enabled,
		gron:      g,
		stopChan:  make(chan struct{}),
	}, nil
}

// SetOnHeartbeat sets the callback that runs the agent for one beat.
func (s *Service) SetOnHeartbeat(fn func(string) (string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHeartbeat = fn
}

// SetDelivery configures where non-OK heartbeat responses are sent.
func (s *Service) SetDelivery(msgBus *bus.MessageBus, channel, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = msgBus
	s.deliverChannel = channel
	s.deliverChatID = chatID
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running() {
		return nil
	}
	if !s.enabled {
		return fmt.Errorf("heartbeat service is disabled")
	}

	go s.runLoop()
	logger.InfoCF("heartbeat", "Heartbeat started", map[string]interface{}{
		"schedule": s.schedule,
	})
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running() {
		return
	}
	close(s.stopChan)
}

func (s *Service) running() bool {
	select {
	case <-s.stopChan:
		return false
	default:
		return true
	}
}

func (s *Service) runLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case tick := <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, tick)
			if err != nil || !due {
				continue
			}
			s.beat()
		}
	}
}

func (s *Service) beat() {
	s.mu.RLock()
	if !s.enabled || !s.running() {
		s.mu.RUnlock()
		return
	}
	onHeartbeat := s.onHeartbeat
	msgBus := s.bus
	channel := s.deliverChannel
	chatID := s.deliverChatID
	s.mu.RUnlock()

	if onHeartbeat == nil {
		return
	}

	response, err := onHeartbeat(s.buildPrompt())
	if err != nil {
		logger.ErrorCF("heartbeat", "Heartbeat callback error", map[string]interface{}{
			"error": err.Error(),
		})
		s.log(fmt.Sprintf("Heartbeat error: %v", err))
		return
	}

	if strings.Contains(response, HeartbeatOK) {
		logger.DebugC("heartbeat", "Heartbeat OK, no action needed")
		return
	}

	if msgBus != nil && channel != "" && chatID != "" {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: response,
		})
		logger.InfoCF("heartbeat", "Heartbeat response delivered", map[string]interface{}{
			"channel": channel,
			"chat_id": chatID,
		})
	}
}

func (s *Service) buildPrompt() string {
	notesFile := filepath.Join(s.workspace, "HEARTBEAT.md")

	var notes string
	if data, err := os.ReadFile(notesFile); err == nil {
		notes = string(data)
	}

	now := time.Now().Format("2006-01-02 15:04")

	return fmt.Sprintf(`# Heartbeat Check

Current time: %s

Check if there are any tasks I should be aware of or actions I should take.
Review the notes below for any important updates or changes.

If there is nothing to report, respond with exactly: %s

%s
`, now, HeartbeatOK, notes)
}

func (s *Service) log(message string) {
	logFile := filepath.Join(s.workspace, "heartbeat.log")
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	f.WriteString(fmt.Sprintf("[%s] %s\n", timestamp, message))
}
