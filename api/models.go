package api

import (
	"github.com/jmcleod/vpnpki/journal"
	"github.com/jmcleod/vpnpki/pki"
	"github.com/jmcleod/vpnpki/toolchain"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// InitRequest is the JSON body for POST /instance/init.
type InitRequest struct {
	ServerURL string `json:"server_url"`
}

// AddClientRequest is the JSON body for POST /clients.
type AddClientRequest struct {
	Name string `json:"name"`
}

// ListClientsResponse is returned from GET /clients.
type ListClientsResponse struct {
	Clients []pki.ClientRecord `json:"clients"`
	PaginationMeta
}

// RefreshCRLRequest is the optional JSON body for POST /crl/refresh.
type RefreshCRLRequest struct {
	Force bool `json:"force,omitempty"`
}

// RefreshCRLResponse is returned from POST /crl/refresh.
type RefreshCRLResponse struct {
	CRL         toolchain.CRLInfo `json:"crl"`
	Regenerated bool              `json:"regenerated"`
}

// BackupRequest is the JSON body for POST /backups and /backups/verify.
type BackupRequest struct {
	Location string `json:"location"`
}

// RestoreRequest is the JSON body for POST /restores. Confirm must be true.
type RestoreRequest struct {
	Location string `json:"location"`
	Confirm  bool   `json:"confirm"`
}

// AuditLogResponse is returned from GET /audit.
type AuditLogResponse struct {
	Entries []journal.Entry `json:"entries"`
	PaginationMeta
}
