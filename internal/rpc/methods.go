package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/normanking/voicemoded/internal/registry"
	"github.com/normanking/voicemoded/internal/stats"
	"github.com/normanking/voicemoded/internal/supervisor"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

// handler processes one method's params and returns its result or an error.
// It is handed the caller's context so long-running handlers (converse)
// observe connection-lifetime cancellation.
type handler func(ctx context.Context, s *Server, params json.RawMessage) (any, *Error)

func methodTable() map[string]handler {
	return map[string]handler{
		"converse":                   handleConverse,
		"cancel":                     handleCancel,
		"service.status":             handleServiceStatus,
		"service.start":              handleServiceStart,
		"service.stop":               handleServiceStop,
		"service.restart":            handleServiceRestart,
		"service.enable":             handleServiceEnable,
		"service.disable":            handleServiceDisable,
		"service.logs":               handleServiceLogs,
		"service.ensure_dependency":  handleServiceEnsureDependency,
		"registry.list":              handleRegistryList,
		"registry.refresh":           handleRegistryRefresh,
		"statistics.summary":         handleStatisticsSummary,
		"pronounce.add_rule":         handlePronounceAddRule,
		"pronounce.remove_rule":      handlePronounceRemoveRule,
		"pronounce.list_rules":       handlePronounceListRules,
		"pronounce.enable_rule":      handlePronounceSetEnabled(true),
		"pronounce.disable_rule":     handlePronounceSetEnabled(false),
		"pronounce.test_rule":        handlePronounceTestRule,
		"whisper.model.list":         handleModelList,
		"whisper.model.active":       handleModelActive,
		"whisper.model.activate":     handleModelActivate,
		"whisper.model.download":     handleModelDownload,
	}
}

func unmarshalParams(params json.RawMessage, v any) *Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

// converse is the only handler subject to per-connection busy rejection; the
// Engine's own semaphore enforces the global concurrency cap independently.
func handleConverse(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var req voicetypes.ConverseRequest
	if e := unmarshalParams(params, &req); e != nil {
		return nil, e
	}
	if !s.tryAcquireBusy() {
		return nil, errorFromVoiceError(voicetypes.NewError(voicetypes.KindBusy, "a converse call is already in flight on this connection"))
	}
	defer s.releaseBusy()

	resp := s.engine.Converse(ctx, req)
	if !resp.Success && resp.Error != nil {
		return resp, nil // converse reports failure in-band, not as a JSON-RPC error
	}
	return resp, nil
}

type cancelParams struct {
	SessionID string `json:"session_id"`
}

func handleCancel(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p cancelParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.engine.Cancel(p.SessionID); err != nil {
		return nil, errorFromVoiceError(voicetypes.AsVoiceError(err))
	}
	return map[string]bool{"cancelled": true}, nil
}

type serviceParams struct {
	Name string `json:"name"`
}

func handleServiceStatus(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p serviceParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	st, err := s.supervisor.StatusOf(supervisor.Name(p.Name))
	if err != nil {
		return nil, errorFromVoiceError(voicetypes.NewError(voicetypes.KindInvalidRequest, err.Error()))
	}
	return st, nil
}

func handleServiceStart(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p serviceParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.supervisor.StartService(ctx, supervisor.Name(p.Name)); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindServiceUnavailable, "start service", err))
	}
	return map[string]bool{"started": true}, nil
}

func handleServiceStop(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p serviceParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.supervisor.StopService(supervisor.Name(p.Name)); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindServiceUnavailable, "stop service", err))
	}
	return map[string]bool{"stopped": true}, nil
}

func handleServiceRestart(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p serviceParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.supervisor.RestartService(ctx, supervisor.Name(p.Name)); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindServiceUnavailable, "restart service", err))
	}
	return map[string]bool{"restarted": true}, nil
}

type serviceEnableParams struct {
	Name string            `json:"name"`
	Data map[string]string `json:"data"`
}

func handleServiceEnable(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p serviceEnableParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	tmpl, ok := s.templates[supervisor.Name(p.Name)]
	if !ok {
		return nil, errorFromVoiceError(voicetypes.NewError(voicetypes.KindInvalidRequest, "no autostart template for "+p.Name))
	}
	if err := s.supervisor.Enable(supervisor.Name(p.Name), tmpl, p.Data); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInternal, "enable service", err))
	}
	return map[string]bool{"enabled": true}, nil
}

func handleServiceDisable(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p serviceParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.supervisor.Disable(supervisor.Name(p.Name)); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInternal, "disable service", err))
	}
	return map[string]bool{"disabled": true}, nil
}

type serviceLogsParams struct {
	Name  string `json:"name"`
	Lines int    `json:"lines"`
}

func handleServiceLogs(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p serviceLogsParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	lines, err := s.tailServiceLog(p.Name, p.Lines)
	if err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInternal, "read service logs", err))
	}
	return map[string]any{"lines": lines}, nil
}

type dependencyParams struct {
	Package string `json:"package"`
}

// handleServiceEnsureDependency checks for (and, if missing, installs) one
// OS-level package via the Supervisor's configured PackageManager. A no-op
// success when no PackageManager was detected at startup.
func handleServiceEnsureDependency(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p dependencyParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if p.Package == "" {
		return nil, invalidParams("package is required")
	}
	if err := s.supervisor.EnsureDependency(ctx, p.Package); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInternal, "ensure dependency", err))
	}
	return map[string]bool{"ensured": true}, nil
}

type registryListParams struct {
	Kind string `json:"kind"`
}

func handleRegistryList(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p registryListParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	reg, kind, e := s.registryFor(p.Kind)
	if e != nil {
		return nil, e
	}
	return reg.List(kind), nil
}

type registryRefreshParams struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func handleRegistryRefresh(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p registryRefreshParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	reg, kind, e := s.registryFor(p.Kind)
	if e != nil {
		return nil, e
	}
	reg.Refresh(ctx, kind, p.ID)
	return map[string]bool{"refreshed": true}, nil
}

type statsSummaryParams struct {
	Day string `json:"day"` // RFC3339 date, defaults to today
}

func handleStatisticsSummary(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p statsSummaryParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	day := s.clock.Now()
	if p.Day != "" {
		parsed, err := time.Parse("2006-01-02", p.Day)
		if err != nil {
			return nil, invalidParams("day must be YYYY-MM-DD")
		}
		day = parsed
	}
	events, err := s.readEventDay(day)
	if err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInternal, "read event log", err))
	}
	summary := stats.Summarize(events)
	if s.metrics != nil {
		s.metrics.Observe(summary)
	}
	return summary, nil
}

func handlePronounceAddRule(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var rule voicetypes.PronounceRule
	if e := unmarshalParams(params, &rule); e != nil {
		return nil, e
	}
	if err := s.pronounceMgr.AddRule(rule); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInvalidRequest, "add pronunciation rule", err))
	}
	return map[string]bool{"added": true}, nil
}

type pronounceRuleRefParams struct {
	Direction string `json:"direction"`
	Name      string `json:"name"`
}

func handlePronounceRemoveRule(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p pronounceRuleRefParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.pronounceMgr.RemoveRule(voicetypes.PronounceDirection(p.Direction), p.Name); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInvalidRequest, "remove pronunciation rule", err))
	}
	return map[string]bool{"removed": true}, nil
}

type pronounceListParams struct {
	Direction      string `json:"direction"`
	IncludePrivate bool   `json:"include_private"`
}

func handlePronounceListRules(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p pronounceListParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	return s.pronounceMgr.ListRules(voicetypes.PronounceDirection(p.Direction), p.IncludePrivate), nil
}

func handlePronounceSetEnabled(enabled bool) handler {
	return func(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
		var p pronounceRuleRefParams
		if e := unmarshalParams(params, &p); e != nil {
			return nil, e
		}
		if err := s.pronounceMgr.SetEnabled(voicetypes.PronounceDirection(p.Direction), p.Name, enabled); err != nil {
			return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInvalidRequest, "set pronunciation rule enabled", err))
		}
		return map[string]bool{"ok": true}, nil
	}
}

type pronounceTestParams struct {
	Direction string `json:"direction"`
	Text      string `json:"text"`
}

func handlePronounceTestRule(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p pronounceTestParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	return map[string]string{"result": s.pronounceMgr.TestRule(voicetypes.PronounceDirection(p.Direction), p.Text)}, nil
}

func handleModelList(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	return s.catalog.List(), nil
}

func handleModelActive(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	active, err := s.catalog.Active()
	if err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInternal, "read active model", err))
	}
	return map[string]string{"active": active}, nil
}

type modelNameParams struct {
	Name string `json:"name"`
}

func handleModelActivate(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p modelNameParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.catalog.SetActive(p.Name); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInvalidRequest, "activate model", err))
	}
	return map[string]bool{"activated": true}, nil
}

func handleModelDownload(ctx context.Context, s *Server, params json.RawMessage) (any, *Error) {
	var p modelNameParams
	if e := unmarshalParams(params, &p); e != nil {
		return nil, e
	}
	if err := s.catalog.Download(ctx, p.Name); err != nil {
		return nil, errorFromVoiceError(voicetypes.Wrap(voicetypes.KindInternal, "download model", err))
	}
	return map[string]bool{"downloaded": true}, nil
}

// registryFor resolves the "tts"/"stt" kind param to its Registry and
// ProviderKind, the one place both registry.list and registry.refresh share
// this lookup.
func (s *Server) registryFor(kind string) (*registry.Registry, voicetypes.ProviderKind, *Error) {
	switch voicetypes.ProviderKind(kind) {
	case voicetypes.KindTTS:
		return s.ttsReg, voicetypes.KindTTS, nil
	case voicetypes.KindSTT:
		return s.sttReg, voicetypes.KindSTT, nil
	default:
		return nil, "", invalidParams("kind must be \"tts\" or \"stt\"")
	}
}
