package messaging

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-channel/internal/reliability"
)

const (
	// SchemePlain is the scheme of unencrypted connection strings
	SchemePlain = "amqp"
	// SchemeSecure is the scheme of TLS connection strings
	SchemeSecure = "amqps"

	// DefaultReconnectInterval is the wait after each transient connection failure
	DefaultReconnectInterval = time.Second
	// DefaultReconnectLimit is the number of transient failures tolerated per connect
	DefaultReconnectLimit = 5
)

// ConnectionConfig holds the parameters of one connection request.
// It is treated as immutable once parsed.
type ConnectionConfig struct {
	Host     string
	Port     int // 0 when the connection string names no port
	Username string
	Password string
	VHost    string
	Secure   bool

	// Reconnect bounds how many transient failures a single connect tolerates
	// and how long to wait after each.
	Reconnect reliability.FixedDelay
}

// HostPort joins host and port, falling back to defaultPort when no port was given.
func (c ConnectionConfig) HostPort(defaultPort int) string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// URL renders the config back into a connection string, credentials included.
func (c ConnectionConfig) URL() string {
	return BuildURL(c.Host, c.Port, c.Username, c.Password, URLOptions{VHost: c.VHost, Secure: c.Secure})
}

// String renders the config with the password masked.
func (c ConnectionConfig) String() string {
	if c.Password == "" {
		return c.URL()
	}
	bare := BuildURL(c.Host, c.Port, "", "", URLOptions{VHost: c.VHost, Secure: c.Secure})
	scheme, rest, _ := strings.Cut(bare, "://")
	return scheme + "://" + url.User(c.Username).String() + ":***@" + rest
}

// ParseURL turns a connection string of the form
//
//	scheme://[user[:password]@]host[:port][/vhost]
//
// into a ConnectionConfig. scheme is amqp (plain) or amqps (secure). An IPv6
// host is written in brackets, as in amqp://[::1]:5672.
// The returned config carries the default reconnect policy.
func ParseURL(raw string) (ConnectionConfig, error) {
	cfg := ConnectionConfig{
		Reconnect: reliability.NewFixedDelay(DefaultReconnectInterval, DefaultReconnectLimit),
	}

	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return cfg, configError(raw, "missing scheme")
	}
	switch scheme {
	case SchemePlain:
	case SchemeSecure:
		cfg.Secure = true
	default:
		return cfg, configError(raw, "unrecognized scheme "+strconv.Quote(scheme))
	}
	if strings.Contains(rest, "://") {
		return cfg, configError(raw, "repeated scheme")
	}

	authority, vhost, _ := strings.Cut(rest, "/")
	if vhost != "" {
		decoded, err := url.PathUnescape(vhost)
		if err != nil {
			return cfg, configError(raw, "invalid vhost")
		}
		cfg.VHost = decoded
	}

	var userinfo, hostinfo string
	switch parts := strings.Split(authority, "@"); len(parts) {
	case 1:
		hostinfo = parts[0]
	case 2:
		userinfo, hostinfo = parts[0], parts[1]
	default:
		return cfg, configError(raw, "more than one authority separator")
	}

	host, port, hasPort, reason := splitHostPort(hostinfo)
	if reason != "" {
		return cfg, configError(raw, reason)
	}
	if host == "" {
		return cfg, configError(raw, "missing host")
	}
	cfg.Host = host
	if hasPort {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return cfg, configError(raw, "invalid port")
		}
		cfg.Port = p
	}

	if userinfo != "" {
		username, password, _ := strings.Cut(userinfo, ":")
		var err error
		if cfg.Username, err = url.PathUnescape(username); err != nil {
			return cfg, configError(raw, "invalid username")
		}
		if cfg.Password, err = url.PathUnescape(password); err != nil {
			return cfg, configError(raw, "invalid password")
		}
	}

	return cfg, nil
}

// splitHostPort separates host and port. IPv6 literals must be bracketed
// and are returned without the brackets.
func splitHostPort(hostinfo string) (host, port string, hasPort bool, reason string) {
	if !strings.HasPrefix(hostinfo, "[") {
		if strings.Count(hostinfo, ":") > 1 {
			return "", "", false, "IPv6 host must be enclosed in brackets"
		}
		host, port, hasPort = strings.Cut(hostinfo, ":")
		return host, port, hasPort, ""
	}

	end := strings.IndexByte(hostinfo, ']')
	if end < 0 {
		return "", "", false, "unterminated IPv6 host"
	}
	host, rest := hostinfo[1:end], hostinfo[end+1:]
	if host != "" && net.ParseIP(host) == nil {
		return "", "", false, "invalid IPv6 host"
	}
	if rest == "" {
		return host, "", false, ""
	}
	if rest[0] != ':' {
		return "", "", false, "unexpected characters after IPv6 host"
	}
	return host, rest[1:], true, ""
}

// URLOptions holds the optional parts of a built connection string
type URLOptions struct {
	VHost  string
	Secure bool
}

// BuildURL assembles a connection string from its parts. It is the inverse
// of ParseURL for any config ParseURL accepts.
func BuildURL(host string, port int, username, password string, opts URLOptions) string {
	var b strings.Builder
	if opts.Secure {
		b.WriteString(SchemeSecure)
	} else {
		b.WriteString(SchemePlain)
	}
	b.WriteString("://")
	if username != "" || password != "" {
		b.WriteString(url.UserPassword(username, password).String())
		b.WriteByte('@')
	}
	if strings.Contains(host, ":") {
		b.WriteByte('[')
		b.WriteString(host)
		b.WriteByte(']')
	} else {
		b.WriteString(host)
	}
	if port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(port))
	}
	if opts.VHost != "" {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(opts.VHost))
	}
	return b.String()
}

// SanitizeURL masks the password of a connection string for logging.
func SanitizeURL(raw string) string {
	cfg, err := ParseURL(raw)
	if err != nil {
		return "***"
	}
	return cfg.String()
}

func configError(raw, reason string) *ConfigError {
	return &ConfigError{Input: SanitizeInput(raw), Reason: reason}
}

// SanitizeInput masks whatever sits between "://" and the last "@" so that
// unparseable strings can still be echoed in errors.
func SanitizeInput(raw string) string {
	_, rest, found := strings.Cut(raw, "://")
	if !found {
		rest = raw
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	return raw[:len(raw)-len(rest)] + "***" + rest[at:]
}
