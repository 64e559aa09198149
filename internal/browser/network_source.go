package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"visitoverlay/internal/tap"
)

// NetworkSource reports the page's fetch and XHR responses to a tap over the DevTools
// Network domain. Bodies are read only for URLs the sink wants.
type NetworkSource struct {
	page *rod.Page
	log  *zap.Logger
}

// NewNetworkSource creates a source for page.
func NewNetworkSource(page *rod.Page, log *zap.Logger) *NetworkSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &NetworkSource{page: page, log: log}
}

type pendingResponse struct {
	url       string
	status    int
	mechanism tap.Mechanism
}

// Attach enables network events and starts delivering exchanges until ctx is done.
func (s *NetworkSource) Attach(ctx context.Context, sink tap.Sink) error {
	page := s.page.Context(ctx)
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable network events: %w", err)
	}

	var (
		mu      sync.Mutex
		pending = make(map[proto.NetworkRequestID]pendingResponse)
	)

	wait := page.EachEvent(
		func(ev *proto.NetworkResponseReceived) {
			var mech tap.Mechanism
			switch ev.Type {
			case proto.NetworkResourceTypeFetch:
				mech = tap.Fetch
			case proto.NetworkResourceTypeXHR:
				mech = tap.XHR
			default:
				return
			}
			if ev.Response == nil || !sink.Wants(ev.Response.URL) {
				return
			}
			mu.Lock()
			pending[ev.RequestID] = pendingResponse{url: ev.Response.URL, status: ev.Response.Status, mechanism: mech}
			mu.Unlock()
		},
		func(ev *proto.NetworkLoadingFinished) {
			mu.Lock()
			resp, ok := pending[ev.RequestID]
			delete(pending, ev.RequestID)
			mu.Unlock()
			if !ok {
				return
			}
			go s.deliver(page, ev.RequestID, resp, sink)
		},
		func(ev *proto.NetworkLoadingFailed) {
			mu.Lock()
			delete(pending, ev.RequestID)
			mu.Unlock()
		},
	)
	go wait()

	s.log.Info("network tap attached")
	return nil
}

func (s *NetworkSource) deliver(page *rod.Page, id proto.NetworkRequestID, resp pendingResponse, sink tap.Sink) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		s.log.Debug("response body unavailable", zap.String("url", resp.url), zap.Error(err))
		return
	}

	ex := tap.Exchange{Mechanism: resp.mechanism, URL: resp.url, Status: resp.status}
	if res.Base64Encoded {
		raw, err := base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			s.log.Debug("response body not decodable", zap.String("url", resp.url), zap.Error(err))
			return
		}
		ex.Body = raw
		ex.ResponseType = tap.ResponseBlob
	} else {
		ex.Body = []byte(res.Body)
	}
	sink.Observe(ex)
}
