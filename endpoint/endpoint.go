// Package endpoint turns grpc(s) URLs and PEM material into gRPC dial
// targets and transport credentials. Endpoints are created once per
// remote and reused across channels.
package endpoint

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fabclient/fabclient/cryptosuite"
	"github.com/fabclient/fabclient/errs"
)

const (
	ProtocolGRPC  = "grpc"
	ProtocolGRPCS = "grpcs"
)

var urlPattern = regexp.MustCompile(`(?i)^(grpc|grpcs)://([^:/]+):(\d+)$`)

// cnCache caches the common name extracted from a root-CA PEM, keyed by
// the PEM text. Read-mostly; shared across endpoints.
var cnCache sync.Map

// Config is the caller-supplied description of a remote.
type Config struct {
	URL string

	// TLS trust and optional mutual-TLS client pair. Cert and key must
	// both be set or both be empty.
	RootsPEM      []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte

	// HostnameOverride forces the expected server name. When empty and
	// TrustServerCertificate is set, the CN of the first root cert is
	// used instead.
	HostnameOverride       string
	TrustServerCertificate bool

	// Properties carries transport options. The grpc.* keys listed in
	// grpcOptions become dial/call options; every other key (including
	// unrecognized grpc.* ones) stays readable through Property so
	// callers can apply options this layer does not map.
	Properties map[string]string
}

// Endpoint is an immutable, parsed remote address with its transport
// credentials.
type Endpoint struct {
	url      string
	protocol string
	host     string
	port     int

	serverName  string
	creds       credentials.TransportCredentials
	tlsCertHash []byte
	dialOpts    []grpc.DialOption
	properties  map[string]string
}

// Parse validates s against grpc(s)://host:port and splits it.
func Parse(s string) (protocol, host string, port int, err error) {
	m := urlPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", 0, errs.Errorf(errs.Argument, "invalid endpoint URL %q: want grpc(s)://host:port", s)
	}
	port, convErr := strconv.Atoi(m[3])
	if convErr != nil || port < 1 || port > 65535 {
		return "", "", 0, errs.Errorf(errs.Argument, "invalid port in endpoint URL %q", s)
	}
	return strings.ToLower(m[1]), m[2], port, nil
}

func New(cfg Config) (*Endpoint, error) {
	protocol, host, port, err := Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	hasCert, hasKey := len(cfg.ClientCertPEM) > 0, len(cfg.ClientKeyPEM) > 0
	if hasCert != hasKey {
		return nil, errs.New(errs.Argument, "mutual TLS requires both client certificate and key")
	}

	ep := &Endpoint{
		url:        cfg.URL,
		protocol:   protocol,
		host:       host,
		port:       port,
		properties: cfg.Properties,
	}

	if protocol == ProtocolGRPC {
		if hasCert || len(cfg.RootsPEM) > 0 {
			return nil, errs.New(errs.Argument, "TLS material supplied for a plaintext grpc:// endpoint")
		}
		ep.creds = insecure.NewCredentials()
	} else {
		if err := ep.buildTLS(cfg, hasCert); err != nil {
			return nil, err
		}
	}

	opts, err := grpcOptions(cfg.Properties)
	if err != nil {
		return nil, err
	}
	ep.dialOpts = append([]grpc.DialOption{grpc.WithTransportCredentials(ep.creds)}, opts...)

	return ep, nil
}

func (ep *Endpoint) buildTLS(cfg Config, mutual bool) error {
	tlsCfg := &tls.Config{ServerName: ep.host, MinVersion: tls.VersionTLS12}

	if len(cfg.RootsPEM) > 0 {
		roots := x509.NewCertPool()
		if ok := roots.AppendCertsFromPEM(cfg.RootsPEM); !ok {
			return errs.New(errs.Crypto, "no certificates found in root CA PEM")
		}
		tlsCfg.RootCAs = roots
	}

	switch {
	case cfg.HostnameOverride != "":
		tlsCfg.ServerName = cfg.HostnameOverride
	case cfg.TrustServerCertificate && len(cfg.RootsPEM) > 0:
		cn, err := cachedCN(cfg.RootsPEM)
		if err != nil {
			return err
		}
		tlsCfg.ServerName = cn
	}
	ep.serverName = tlsCfg.ServerName

	if mutual {
		pair, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
		if err != nil {
			return errs.Wrap(errs.Crypto, err, "load client TLS key pair")
		}
		tlsCfg.Certificates = []tls.Certificate{pair}

		// Fabric's tls binding: SHA-256 over the DER-encoded client
		// cert, referenced by the channel header. Computed once here
		// and immutable for the endpoint's lifetime.
		sum := sha256.Sum256(pair.Certificate[0])
		ep.tlsCertHash = sum[:]
	}

	ep.creds = credentials.NewTLS(tlsCfg)
	return nil
}

// cachedCN extracts the CN of the first certificate in pemBytes,
// memoized by the PEM text.
func cachedCN(pemBytes []byte) (string, error) {
	key := string(pemBytes)
	if v, ok := cnCache.Load(key); ok {
		return v.(string), nil
	}
	cert, err := cryptosuite.CertificateFromPEM(pemBytes)
	if err != nil {
		return "", err
	}
	cn := cert.Subject.CommonName
	cnCache.Store(key, cn)
	return cn, nil
}

// grpcOptions maps grpc.* property keys onto dial options. Supported
// keys: grpc.max_receive_message_length, grpc.max_send_message_length
// (integers), grpc.default_authority. grpc-go exposes no generic
// string-keyed channel-arg API, so any other grpc.* key is not turned
// into a dial option; it stays available via Property for the caller
// to act on.
func grpcOptions(props map[string]string) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption
	var callOpts []grpc.CallOption
	for k, v := range props {
		if !strings.HasPrefix(k, "grpc.") {
			continue
		}
		n, numeric := 0, false
		if parsed, err := strconv.Atoi(v); err == nil {
			n, numeric = parsed, true
		}
		switch k {
		case "grpc.max_receive_message_length":
			if !numeric {
				return nil, errs.Errorf(errs.Argument, "%s must be an integer, got %q", k, v)
			}
			callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(n))
		case "grpc.max_send_message_length":
			if !numeric {
				return nil, errs.Errorf(errs.Argument, "%s must be an integer, got %q", k, v)
			}
			callOpts = append(callOpts, grpc.MaxCallSendMsgSize(n))
		case "grpc.default_authority":
			opts = append(opts, grpc.WithAuthority(v))
		}
	}
	if len(callOpts) > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(callOpts...))
	}
	return opts, nil
}

func (ep *Endpoint) URL() string      { return ep.url }
func (ep *Endpoint) Protocol() string { return ep.protocol }
func (ep *Endpoint) Host() string     { return ep.host }
func (ep *Endpoint) Port() int        { return ep.port }

// Address returns host:port for dialing.
func (ep *Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", ep.host, ep.port)
}

func (ep *Endpoint) ServerName() string { return ep.serverName }

// TLSCertHash is the SHA-256 digest of the client TLS certificate DER,
// or nil when mutual TLS is not configured.
func (ep *Endpoint) TLSCertHash() []byte { return ep.tlsCertHash }

func (ep *Endpoint) Property(key string) (string, bool) {
	v, ok := ep.properties[key]
	return v, ok
}

// DialOptions returns the transport credentials plus any grpc.* options.
func (ep *Endpoint) DialOptions() []grpc.DialOption {
	return ep.dialOpts
}

// Dial opens the gRPC client connection for this endpoint.
func (ep *Endpoint) Dial() (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(ep.Address(), ep.dialOpts...)
	if err != nil {
		return nil, errs.Wrapf(errs.Argument, err, "dial %s", ep.Address())
	}
	return conn, nil
}

// NewFromFiles is a convenience constructor reading the PEM material
// from disk.
func NewFromFiles(url, rootsPath, certPath, keyPath string, props map[string]string) (*Endpoint, error) {
	cfg := Config{URL: url, Properties: props}
	var err error
	if rootsPath != "" {
		if cfg.RootsPEM, err = os.ReadFile(rootsPath); err != nil {
			return nil, errs.Wrapf(errs.Argument, err, "read root CA file %s", rootsPath)
		}
	}
	if (certPath == "") != (keyPath == "") {
		return nil, errs.New(errs.Argument, "mutual TLS requires both client certificate and key files")
	}
	if certPath != "" {
		if cfg.ClientCertPEM, err = os.ReadFile(certPath); err != nil {
			return nil, errs.Wrapf(errs.Argument, err, "read client cert file %s", certPath)
		}
		if cfg.ClientKeyPEM, err = os.ReadFile(keyPath); err != nil {
			return nil, errs.Wrapf(errs.Argument, err, "read client key file %s", keyPath)
		}
	}
	return New(cfg)
}
