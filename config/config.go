// Package config resolves the client's tunables. Precedence is
// environment variable > properties file > built-in default, with the
// env prefix FABCLIENT and dots mapped to underscores
// (e.g. FABCLIENT_PROPOSAL_WAIT_TIME overrides proposal.wait.time).
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fabclient/fabclient/errs"
)

const (
	keyProposalWaitTime          = "proposal.wait.time"
	keyChannelConfigWaitTime     = "channelconfig.wait_time"
	keyTransactionCleanupTimeout = "transaction_cleanup_timeout"
	keyOrdererRetryWaitTime      = "orderer.retry_wait_time"
	keyOrdererWaitTime           = "orderer.waitTimeMilliSecs"
	keyEventRegistrationWaitTime = "peer.eventRegistration.wait_time"
	keyPeerRetryWaitTime         = "peer.retry_wait_time"
	keyReconnectionWarningRate   = "eventhub.reconnection_warning_rate"
	keyGenesisBlockWaitTime      = "channel.genesisblock_wait_time"
	keySecurityLevel             = "security_level"
	keySecurityCurveMapping      = "security_curve_mapping"
	keyHashAlgorithm             = "hash_algorithm"
	keySignatureAlgorithm        = "signature_algorithm"
	keyConsistencyValidation     = "proposal.consistency_validation"
	keyDiscoveryFrequency        = "service_discovery.frequency_sec"
)

// Settings is an immutable snapshot of the resolved configuration. It
// is built once by Load and carried on the client facade; there is no
// process-wide mutable configuration state.
type Settings struct {
	ProposalWaitTime          time.Duration
	ChannelConfigWaitTime     time.Duration
	TransactionCleanupTimeout time.Duration
	OrdererRetryWaitTime      time.Duration
	OrdererWaitTime           time.Duration
	EventRegistrationWaitTime time.Duration
	PeerRetryWaitTime         time.Duration
	ReconnectionWarningRate   int
	GenesisBlockWaitTime      time.Duration

	SecurityLevel         int
	CurveMapping          map[int]string
	HashAlgorithm         string
	SignatureAlgorithm    string
	ConsistencyValidation bool
	DiscoveryFrequency    time.Duration
}

// Load resolves settings from the optional properties file at path
// (pass "" for none), the environment, and defaults.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetDefault(keyProposalWaitTime, 30000)
	v.SetDefault(keyChannelConfigWaitTime, 15000)
	v.SetDefault(keyTransactionCleanupTimeout, 600000)
	v.SetDefault(keyOrdererRetryWaitTime, 200)
	v.SetDefault(keyOrdererWaitTime, 10000)
	v.SetDefault(keyEventRegistrationWaitTime, 5000)
	v.SetDefault(keyPeerRetryWaitTime, 500)
	v.SetDefault(keyReconnectionWarningRate, 50)
	v.SetDefault(keyGenesisBlockWaitTime, 5000)
	v.SetDefault(keySecurityLevel, 256)
	v.SetDefault(keySecurityCurveMapping, "256=P-256:384=P-384")
	v.SetDefault(keyHashAlgorithm, "SHA2")
	v.SetDefault(keySignatureAlgorithm, "SHA256withECDSA")
	v.SetDefault(keyConsistencyValidation, true)
	v.SetDefault(keyDiscoveryFrequency, 120)

	v.SetEnvPrefix("FABCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("properties")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errs.Wrapf(errs.Argument, err, "read config file %s", path)
		}
	}

	s := Settings{
		ProposalWaitTime:          ms(v.GetInt(keyProposalWaitTime)),
		ChannelConfigWaitTime:     ms(v.GetInt(keyChannelConfigWaitTime)),
		TransactionCleanupTimeout: ms(v.GetInt(keyTransactionCleanupTimeout)),
		OrdererRetryWaitTime:      ms(v.GetInt(keyOrdererRetryWaitTime)),
		OrdererWaitTime:           ms(v.GetInt(keyOrdererWaitTime)),
		EventRegistrationWaitTime: ms(v.GetInt(keyEventRegistrationWaitTime)),
		PeerRetryWaitTime:         ms(v.GetInt(keyPeerRetryWaitTime)),
		ReconnectionWarningRate:   v.GetInt(keyReconnectionWarningRate),
		GenesisBlockWaitTime:      ms(v.GetInt(keyGenesisBlockWaitTime)),
		SecurityLevel:             v.GetInt(keySecurityLevel),
		HashAlgorithm:             v.GetString(keyHashAlgorithm),
		SignatureAlgorithm:        v.GetString(keySignatureAlgorithm),
		ConsistencyValidation:     v.GetBool(keyConsistencyValidation),
		DiscoveryFrequency:        time.Duration(v.GetInt(keyDiscoveryFrequency)) * time.Second,
	}

	mapping, err := parseCurveMapping(v.GetString(keySecurityCurveMapping))
	if err != nil {
		return Settings{}, err
	}
	s.CurveMapping = mapping

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Default returns the built-in settings (still honoring the environment).
func Default() (Settings, error) {
	return Load("")
}

func (s Settings) validate() error {
	if _, ok := s.CurveMapping[s.SecurityLevel]; !ok {
		return errs.Errorf(errs.Argument, "unsupported security level %d", s.SecurityLevel)
	}
	if s.HashAlgorithm != "SHA2" && s.HashAlgorithm != "SHA3" {
		return errs.Errorf(errs.Argument, "hash algorithm must be SHA2 or SHA3, got %q", s.HashAlgorithm)
	}
	if s.SignatureAlgorithm != "SHA256withECDSA" && s.SignatureAlgorithm != "SHA384withECDSA" {
		return errs.Errorf(errs.Argument, "unsupported signature algorithm %q", s.SignatureAlgorithm)
	}
	if s.ReconnectionWarningRate <= 0 {
		return errs.New(errs.Argument, "reconnection warning rate must be positive")
	}
	return nil
}

// parseCurveMapping parses "256=P-256:384=P-384" into {256: P-256, ...}.
func parseCurveMapping(raw string) (map[int]string, error) {
	out := make(map[int]string)
	for _, pair := range strings.Split(raw, ":") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errs.Errorf(errs.Argument, "malformed curve mapping entry %q", pair)
		}
		level, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, errs.Wrapf(errs.Argument, err, "curve mapping level %q", k)
		}
		out[level] = strings.TrimSpace(v)
	}
	return out, nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
