// Package validate holds the input checks run before any lock is taken or
// any external tool is invoked.
package validate

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmcleod/vpnpki/errs"
)

// DefaultPort is the OpenVPN port used when a server URL carries none.
const DefaultPort = 1194

var reName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// reserved names collide with artifacts written by the CA itself.
var reserved = map[string]bool{
	"ca":     true,
	"server": true,
	"ta":     true,
}

// ClientName accepts 1-64 characters from [A-Za-z0-9._-], not starting with
// a dot or dash and not one of the reserved artifact names.
func ClientName(name string) error {
	if !reName.MatchString(name) {
		return errs.Errorf("validate.client_name", errs.InvalidInput, "invalid client name %q", name)
	}
	if name[0] == '.' || name[0] == '-' {
		return errs.Errorf("validate.client_name", errs.InvalidInput, "client name %q must start with a letter, digit or underscore", name)
	}
	if reserved[strings.ToLower(name)] {
		return errs.Errorf("validate.client_name", errs.InvalidInput, "client name %q is reserved", name)
	}
	return nil
}

// Endpoint is a parsed OpenVPN server URL.
type Endpoint struct {
	Proto string `json:"proto"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Proto, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

var reHost = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]{0,251}[A-Za-z0-9])?$`)

// ServerURL parses proto://host[:port] where proto is udp or tcp.
func ServerURL(raw string) (Endpoint, error) {
	const op = "validate.server_url"
	proto, rest, ok := strings.Cut(strings.TrimSpace(raw), "://")
	if !ok {
		return Endpoint{}, errs.Errorf(op, errs.InvalidInput, "server URL %q must look like udp://host[:port]", raw)
	}
	proto = strings.ToLower(proto)
	if proto != "udp" && proto != "tcp" {
		return Endpoint{}, errs.Errorf(op, errs.InvalidInput, "unsupported protocol %q (want udp or tcp)", proto)
	}
	rest = strings.TrimSuffix(rest, "/")

	host, port := rest, DefaultPort
	if h, p, err := net.SplitHostPort(rest); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return Endpoint{}, errs.Errorf(op, errs.InvalidInput, "invalid port %q", p)
		}
		host, port = h, n
	}
	if net.ParseIP(host) == nil && !reHost.MatchString(host) {
		return Endpoint{}, errs.Errorf(op, errs.InvalidInput, "invalid host %q", host)
	}
	return Endpoint{Proto: proto, Host: host, Port: port}, nil
}

var errBadPath = errors.New("path must be relative, slash separated and free of empty or '..' segments")

// StorePath rejects absolute paths, empty segments and parent references.
func StorePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsRune(p, '\\') {
		return errs.E("validate.store_path", errs.InvalidInput, fmt.Errorf("%q: %w", p, errBadPath))
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errs.E("validate.store_path", errs.InvalidInput, fmt.Errorf("%q: %w", p, errBadPath))
		}
	}
	return nil
}
