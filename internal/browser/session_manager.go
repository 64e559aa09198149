// Package browser connects the overlay to a Chromium page over the DevTools protocol.
// It provides the live-page implementations of the overlay's boundaries: a dom.Document,
// a network tap source and an in-page lookup transport.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"visitoverlay/internal/config"
)

// Session describes the page the overlay is attached to.
type Session struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    string    `json:"status,omitempty"` // attached, created
	CreatedAt time.Time `json:"created_at"`
}

// SessionManager owns the Chrome connection and the overlay's page.
type SessionManager struct {
	cfg config.BrowserConfig
	log *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	session    Session
	controlURL string
	created    bool // page was opened by us and is closed on shutdown
}

// NewSessionManager creates a manager. Nothing connects until Start.
func NewSessionManager(cfg config.BrowserConfig, log *zap.Logger) *SessionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionManager{cfg: cfg, log: log}
}

func (m *SessionManager) viewport() (int, int) {
	w, h := m.cfg.ViewportWidth, m.cfg.ViewportHeight
	if w == 0 {
		w = 1920
	}
	if h == 0 {
		h = 1080
	}
	return w, h
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.page = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL != "" && !strings.HasPrefix(controlURL, "ws") {
		resolved, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return fmt.Errorf("resolve debugger url %s: %w", controlURL, err)
		}
		controlURL = resolved
	}

	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.Headless)
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		u, err := launch.Launch()
		if err != nil {
			fallback := launcher.New().Bin(bin).Headless(m.cfg.Headless)
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			u = alt
		}
		controlURL = u
	}

	if controlURL == "" {
		u, err := launcher.New().Headless(m.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.log.Info("connected to chrome", zap.String("control_url", controlURL))
	return nil
}

// ControlURL returns the DevTools WebSocket URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected reports whether a browser connection is held.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// OpenPage attaches to the first existing tab whose URL satisfies match or, failing that,
// opens the configured start URL in a new tab.
func (m *SessionManager) OpenPage(ctx context.Context, match func(url string) bool) (*rod.Page, Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil, Session{}, errors.New("browser not connected")
	}

	if m.cfg.AttachExistingTabs {
		pages, err := m.browser.Pages()
		if err != nil {
			return nil, Session{}, fmt.Errorf("list pages: %w", err)
		}
		for _, p := range pages {
			info, err := p.Info()
			if err != nil || info == nil || !match(info.URL) {
				continue
			}
			m.setPageLocked(p, info.URL, "attached", false)
			m.log.Info("attached to existing tab", zap.String("url", info.URL), zap.String("session_id", m.session.ID))
			return p, m.session, nil
		}
	}

	if m.cfg.StartURL == "" {
		return nil, Session{}, errors.New("no matching tab and browser.start_url is not set")
	}
	page, err := m.browser.Page(proto.TargetCreateTarget{URL: m.cfg.StartURL})
	if err != nil {
		return nil, Session{}, fmt.Errorf("create page: %w", err)
	}

	w, h := m.viewport()
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             w,
		Height:            h,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.log.Warn("failed to set viewport", zap.Error(err))
	}

	if err := page.Context(ctx).Timeout(parseTimeout(m.cfg.NavigationTimeout)).WaitLoad(); err != nil {
		m.log.Warn("page load not confirmed", zap.String("url", m.cfg.StartURL), zap.Error(err))
	}

	m.setPageLocked(page, m.cfg.StartURL, "created", true)
	m.log.Info("opened tab", zap.String("url", m.cfg.StartURL), zap.String("session_id", m.session.ID))
	return page, m.session, nil
}

func (m *SessionManager) setPageLocked(p *rod.Page, url, status string, created bool) {
	m.page = p
	m.created = created
	m.session = Session{
		ID:        uuid.NewString(),
		TargetID:  string(p.TargetID),
		URL:       url,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

func parseTimeout(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Session returns the current page's metadata.
func (m *SessionManager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.page != nil
}

// Cookies returns the page's cookies for its current URL, for seeding an HTTP transport.
func (m *SessionManager) Cookies() ([]*http.Cookie, error) {
	m.mu.RLock()
	page := m.page
	m.mu.RUnlock()
	if page == nil {
		return nil, errors.New("no page")
	}
	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

func toHTTPCookies(in []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// Shutdown closes the page if it was opened by the manager and disconnects. A browser
// we only attached to is left running.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page != nil && m.created {
		_ = m.page.Close()
	}
	m.page = nil

	var err error
	if m.browser != nil {
		if m.cfg.DebuggerURL == "" {
			err = m.browser.Close()
		}
		m.browser = nil
	}
	m.controlURL = ""
	return err
}
