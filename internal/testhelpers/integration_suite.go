package testhelpers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/config"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
)

// IntegrationSuite provides infrastructure for integration tests
type IntegrationSuite struct {
	T           *testing.T
	Logger      *logger.Logger
	Ctx         context.Context
	Cancel      context.CancelFunc
	Subscribers []*MockSubscriber
	cleanups    []func()
}

// NewIntegrationSuite creates a new integration test suite
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	log := logger.New(logger.Config{
		Level:  "debug",
		Format: "text",
	})

	return &IntegrationSuite{
		T:           t,
		Logger:      log,
		Ctx:         ctx,
		Cancel:      cancel,
		Subscribers: make([]*MockSubscriber, 0),
	}
}

// CreateSubscriber creates a mock subscriber connected to serverAddr
func (s *IntegrationSuite) CreateSubscriber(id uint32, serverAddr string) *MockSubscriber {
	sub := NewMockSubscriber(id)
	if err := sub.Connect(serverAddr); err != nil {
		s.T.Fatalf("subscriber %d connect: %v", id, err)
	}
	s.Subscribers = append(s.Subscribers, sub)
	return sub
}

// OnCleanup registers f to run during Cleanup, before the context is canceled
func (s *IntegrationSuite) OnCleanup(f func()) {
	s.cleanups = append(s.cleanups, f)
}

// GetFreePort gets a free UDP port for testing
func (s *IntegrationSuite) GetFreePort() int {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		s.T.Fatal(err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.T.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

// Cleanup cleans up resources
func (s *IntegrationSuite) Cleanup() {
	// Close all mock subscribers
	for _, sub := range s.Subscribers {
		_ = sub.Close()
	}

	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}

	// Cancel context
	s.Cancel()
}

// WaitFor waits for a condition to be true
func (s *IntegrationSuite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}

// AssertEventually asserts that a condition becomes true within timeout
func (s *IntegrationSuite) AssertEventually(condition func() bool, timeout time.Duration, message string) {
	if !s.WaitFor(condition, timeout, message) {
		s.T.Errorf("Assertion failed: %s", message)
	}
}

// CreateDefaultConfig creates a default test configuration: subscribers
// 2-9 and talk-groups 0x900-0x904. Everyone is in 0x900; 4, 6 and 8
// are also in 0x901.
func CreateDefaultConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Name:        "Test Trunk",
			Description: "Integration Test Trunk",
		},
		Network: config.NetworkConfig{
			IP:   "127.0.0.1",
			Port: 32000,
		},
		Call: config.CallConfig{
			PacketIntervalMS: 20,
			FlywheelPeriodMS: 1500,
			HangRepeats:      3,
			IdleTimeout:      time.Minute,
			CleanupInterval:  10 * time.Second,
		},
		Provisioning: config.ProvisioningConfig{
			Subscribers: []uint32{2, 3, 4, 5, 6, 7, 8, 9},
			Groups: []config.GroupConfig{
				{ID: 0x900, Members: []uint32{2, 3, 4, 5, 6, 7, 8, 9}},
				{ID: 0x901, Members: []uint32{4, 6, 8}},
				{ID: 0x902},
				{ID: 0x903},
				{ID: 0x904},
			},
		},
		Web: config.WebConfig{
			Enabled: false,
		},
		Metrics: config.MetricsConfig{
			Enabled: false,
		},
		Logging: config.LoggingConfig{
			Level:  "debug",
			Format: "text",
		},
	}
}
