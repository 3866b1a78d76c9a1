package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultStatusTail = 50
	maxStatusTail     = 1000
)

// ---------------------------------------------------------------------------
// Instance
// ---------------------------------------------------------------------------

// GetInstance handles GET /instance.
func (a *API) GetInstance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Info(r.Context()))
}

// InitInstance handles POST /instance/init.
func (a *API) InitInstance(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	info, err := a.svc.Init(r.Context(), req.ServerURL)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSubject(AuditInstanceInit, r, req.ServerURL, slog.String("fingerprint", info.CA.Fingerprint))
	writeJSON(w, http.StatusCreated, info)
}

// StartContainer handles POST /instance/start.
func (a *API) StartContainer(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Start(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditContainerStarted, r)
	writeJSON(w, http.StatusOK, a.svc.Status(r.Context(), 0))
}

// StopContainer handles POST /instance/stop.
func (a *API) StopContainer(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Stop(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditContainerStopped, r)
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /status. It reports runtime problems in the body
// rather than failing.
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	tail := defaultStatusTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = min(n, maxStatusTail)
	}
	writeJSON(w, http.StatusOK, a.svc.Status(r.Context(), tail))
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

// ListClients handles GET /clients.
func (a *API) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.svc.ListClients(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	items, meta := page(r, clients)
	writeJSON(w, http.StatusOK, ListClientsResponse{Clients: items, PaginationMeta: meta})
}

// AddClient handles POST /clients.
func (a *API) AddClient(w http.ResponseWriter, r *http.Request) {
	var req AddClientRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	rec, err := a.svc.AddClient(r.Context(), req.Name)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSubject(AuditClientAdded, r, rec.Name, slog.String("serial", string(rec.Serial)))
	writeJSON(w, http.StatusCreated, rec)
}

// GetClient handles GET /clients/{name}.
func (a *API) GetClient(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.Client(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetClientConfig handles GET /clients/{name}/config. format=zip returns
// the bundle archive instead of the inline profile.
func (a *API) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		body        []byte
		err         error
		contentType string
		filename    string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "ovpn":
		body, err = a.svc.ClientConfig(r.Context(), name)
		contentType, filename = "application/x-openvpn-profile", name+".ovpn"
	case "zip":
		body, err = a.svc.ClientArchive(r.Context(), name)
		contentType, filename = "application/zip", name+".zip"
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSubject(AuditProfileDownloaded, r, name, slog.String("filename", filename))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// RevokeClient handles POST /clients/{name}/revoke.
func (a *API) RevokeClient(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := a.svc.RevokeClient(r.Context(), name)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSubject(AuditClientRevoked, r, name,
		slog.String("serial", string(res.Client.Serial)), slog.Bool("crl_stale", res.CRLStale))
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// CRL
// ---------------------------------------------------------------------------

// RefreshCRL handles POST /crl/refresh.
func (a *API) RefreshCRL(w http.ResponseWriter, r *http.Request) {
	var req RefreshCRLRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	crl, regenerated, err := a.svc.RefreshCRL(r.Context(), req.Force)
	if err != nil {
		mapError(w, err)
		return
	}
	if regenerated {
		a.audit.log(AuditCRLRefreshed, r, slog.Int64("number", crl.Number))
	}
	writeJSON(w, http.StatusOK, RefreshCRLResponse{CRL: crl, Regenerated: regenerated})
}

// GetCRL handles GET /crl.pem.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.svc.CRL(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(crl)
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

// CreateBackup handles POST /backups.
func (a *API) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	res, err := a.svc.Backup(r.Context(), req.Location)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSubject(AuditBackupCreated, r, res.Location, slog.String("digest", res.Manifest.Digest))
	writeJSON(w, http.StatusCreated, res)
}

// VerifyBackup handles POST /backups/verify.
func (a *API) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	m, err := a.svc.VerifySnapshot(r.Context(), req.Location)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// RestoreBackup handles POST /restores.
func (a *API) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	info, err := a.svc.Restore(r.Context(), req.Location, req.Confirm)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSubject(AuditSnapshotRestored, r, req.Location, slog.String("phase", string(info.Phase)))
	writeJSON(w, http.StatusOK, info)
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// ListAudit handles GET /audit.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.AuditLog()
	if err != nil {
		mapError(w, err)
		return
	}
	items, meta := page(r, entries)
	writeJSON(w, http.StatusOK, AuditLogResponse{Entries: items, PaginationMeta: meta})
}

// VerifyAudit handles GET /audit/verify.
func (a *API) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.VerifyAudit()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
