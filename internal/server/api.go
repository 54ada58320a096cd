package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/files"
	"github.com/paneld/paneld/internal/naming"
	"github.com/paneld/paneld/internal/sandbox"
)

// apiRequest is the single request shape of POST /api. Which fields matter
// depends on Action.
type apiRequest struct {
	Action       string            `json:"action"`
	PanelID      string            `json:"panelId"`
	Tier         string            `json:"tier"`
	Language     string            `json:"language"`
	EntryPoint   string            `json:"entryPoint"`
	Env          map[string]string `json:"env"`
	ForceInstall bool              `json:"forceInstall"`
	Path         string            `json:"path"`
	Content      *string           `json:"content"`
	Recursive    bool              `json:"recursive"`
	Files        []files.SyncFile  `json:"files"`
	Command      string            `json:"command"`
	Lines        int               `json:"lines"`
}

type actionFunc func(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error)

func (s *Server) actions() map[string]actionFunc {
	return map[string]actionFunc{
		"sandbox:status":  s.sandboxStatus,
		"sandbox:deploy":  s.sandboxDeploy,
		"sandbox:start":   s.sandboxStart,
		"sandbox:stop":    s.sandboxStop,
		"sandbox:restart": s.sandboxRestart,
		"sandbox:delete":  s.sandboxDelete,
		"files:list":      s.filesList,
		"files:content":   s.filesContent,
		"files:sync":      s.filesSync,
		"files:delete":    s.filesDelete,
		"files:mkdir":     s.filesMkdir,
		"command:exec":    s.commandExec,
		"logs:get":        s.logsGet,
		"logs:clear":      s.logsClear,
	}
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req apiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, nil, errkind.Errorf(errkind.Invalid, "decode request: %v", err))
		return
	}
	fn, ok := s.actions()[req.Action]
	if !ok {
		s.writeError(w, r, &req, errkind.Errorf(errkind.Invalid, "unknown action %q", req.Action))
		return
	}
	if err := naming.Validate(req.PanelID); err != nil {
		s.writeError(w, r, &req, err)
		return
	}
	resp, err := fn(w, r, &req)
	if err != nil {
		s.writeError(w, r, &req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type success struct {
	Success bool `json:"success"`
}

func (req *apiRequest) startRequest() (sandbox.StartRequest, error) {
	tier, err := sandbox.ParseTier(req.Tier)
	if err != nil {
		return sandbox.StartRequest{}, err
	}
	return sandbox.StartRequest{
		Tier:         tier,
		Language:     req.Language,
		EntryPoint:   req.EntryPoint,
		ForceInstall: req.ForceInstall,
		Env:          req.Env,
	}, nil
}

func (s *Server) sandboxStatus(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	return s.Sandboxes.Status(r.Context(), req.PanelID)
}

type deployResponse struct {
	*sandbox.Status
	Sync []files.SyncResult `json:"sync,omitempty"`
}

// sandboxDeploy writes the supplied files, then (re)installs and starts the
// panel. A batch with rejected files is refused before anything starts.
func (s *Server) sandboxDeploy(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	sr, err := req.startRequest()
	if err != nil {
		return nil, err
	}
	var results []files.SyncResult
	if len(req.Files) > 0 {
		results = s.Files.Sync(req.PanelID, req.Files)
		for _, res := range results {
			if !res.OK {
				return nil, errkind.Errorf(errkind.Rejected, "file %s: %s", res.Path, res.Error)
			}
		}
	}
	st, err := s.Sandboxes.Deploy(r.Context(), req.PanelID, sr)
	if err != nil {
		return nil, err
	}
	return deployResponse{Status: st, Sync: results}, nil
}

func (s *Server) sandboxStart(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	sr, err := req.startRequest()
	if err != nil {
		return nil, err
	}
	return s.Sandboxes.Start(r.Context(), req.PanelID, sr)
}

func (s *Server) sandboxStop(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	return s.Sandboxes.Stop(r.Context(), req.PanelID)
}

func (s *Server) sandboxRestart(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	return s.Sandboxes.Restart(r.Context(), req.PanelID)
}

func (s *Server) sandboxDelete(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	if err := s.Sandboxes.Destroy(r.Context(), req.PanelID); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}

func (s *Server) filesList(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	entries, err := s.Files.List(req.PanelID, req.Path, req.Recursive)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []files.Entry{}
	}
	return map[string]any{"files": entries}, nil
}

// filesContent reads a file, or writes it when content is supplied.
func (s *Server) filesContent(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	if req.Path == "" {
		return nil, errkind.Errorf(errkind.Invalid, "path is required")
	}
	if req.Content != nil {
		if err := s.Files.Write(req.PanelID, req.Path, []byte(*req.Content)); err != nil {
			return nil, err
		}
		return success{Success: true}, nil
	}
	data, err := s.Files.Read(req.PanelID, req.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": req.Path, "content": string(data)}, nil
}

func (s *Server) filesSync(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	if len(req.Files) == 0 {
		return nil, errkind.Errorf(errkind.Invalid, "files is required")
	}
	results := s.Files.Sync(req.PanelID, req.Files)
	synced := 0
	for _, res := range results {
		if res.OK {
			synced++
		}
	}
	return map[string]any{"results": results, "synced": synced, "failed": len(results) - synced}, nil
}

func (s *Server) filesDelete(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	if err := s.Files.Delete(req.PanelID, req.Path); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}

func (s *Server) filesMkdir(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	if req.Path == "" {
		return nil, errkind.Errorf(errkind.Invalid, "path is required")
	}
	if err := s.Files.Mkdir(req.PanelID, req.Path); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}

// commandExec runs a one-shot command. Guard rejections come back as a
// result with rejected set, not as an HTTP error.
func (s *Server) commandExec(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	if req.Command == "" {
		return nil, errkind.Errorf(errkind.Invalid, "command is required")
	}
	hint, err := sandbox.ParseTier(req.Tier)
	if err != nil {
		return nil, err
	}
	tier, b, err := s.Sandboxes.CommandTarget(r.Context(), req.PanelID, hint)
	if err != nil {
		return nil, err
	}
	inv := b.Command([]string{"sh", "-c", req.Command}, nil)
	return s.Guard.Run(r.Context(), string(tier), req.Command, inv)
}

func (s *Server) logsGet(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	lines := req.Lines
	if lines <= 0 {
		lines = 100
	}
	logs, err := s.Logs.Logs(r.Context(), req.PanelID, lines)
	if errors.Is(err, errkind.NotFound) {
		return nil, errkind.Errorf(errkind.NotFound, "panel %s has no process", req.PanelID)
	}
	return logs, err
}

func (s *Server) logsClear(w http.ResponseWriter, r *http.Request, req *apiRequest) (any, error) {
	if err := s.Logs.Clear(r.Context(), req.PanelID); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}
