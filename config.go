package sshstream

import (
	"reflect"

	"github.com/getlantern/errors"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/ssh"
)

var (
	signerType    = reflect.TypeOf((*ssh.Signer)(nil)).Elem()
	publicKeyType = reflect.TypeOf((*ssh.PublicKey)(nil)).Elem()
)

// DecodeServerConfig decodes a ServerConfig from generic configuration data, such as parsed YAML or
// JSON. Keys are given as PEM-encoded private keys (host_key) and authorized_keys lines
// (authorized_keys). Handlers and loggers must be set on the result by the caller.
func DecodeServerConfig(input map[string]interface{}) (ServerConfig, error) {
	var cfg ServerConfig
	if err := decodeConfig(input, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// DecodeDialerConfig decodes a DialerConfig from generic configuration data. Keys are given as an
// authorized_keys line (server_public_key) and a PEM-encoded private key (client_key).
func DecodeDialerConfig(input map[string]interface{}) (DialerConfig, error) {
	var cfg DialerConfig
	if err := decodeConfig(input, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// DecodeClientSessionConfig decodes a ClientSessionConfig from generic configuration data.
func DecodeClientSessionConfig(input map[string]interface{}) (ClientSessionConfig, error) {
	var cfg ClientSessionConfig
	if err := decodeConfig(input, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Channel.validate()
}

func decodeConfig(input map[string]interface{}, result interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  keyDecodeHook,
		ErrorUnused: true,
		Result:      result,
	})
	if err != nil {
		return errors.New("failed to create config decoder: %v", err)
	}
	if err := dec.Decode(input); err != nil {
		return errors.New("failed to decode config: %v", err)
	}
	return nil
}

// keyDecodeHook parses SSH keys given as strings.
func keyDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	switch to {
	case signerType:
		signer, err := ssh.ParsePrivateKey([]byte(data.(string)))
		if err != nil {
			return nil, errors.New("failed to parse private key: %v", err)
		}
		return signer, nil
	case publicKeyType:
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(data.(string)))
		if err != nil {
			return nil, errors.New("failed to parse public key: %v", err)
		}
		return key, nil
	}
	return data, nil
}

func (cfg ServerConfig) validate() error {
	if cfg.HostKey == nil {
		return errors.New("host key must be configured")
	}
	return cfg.Channel.validate()
}

func (cfg DialerConfig) validate() error {
	if cfg.ServerPublicKey == nil {
		return errors.New("server public key must be configured")
	}
	return cfg.Channel.validate()
}

func (cfg ChannelConfig) validate() error {
	if cfg.RecvWindow < 0 {
		return errors.New("receive window must not be negative").With("recv_window", cfg.RecvWindow)
	}
	if cfg.WriteHighWater < 0 || cfg.WriteLowWater < 0 {
		return errors.New("write water marks must not be negative").
			With("write_high_water", cfg.WriteHighWater).
			With("write_low_water", cfg.WriteLowWater)
	}
	if cfg.Encoding != "" {
		if _, err := lookupEncoding(cfg.Encoding); err != nil {
			return errors.New("unsupported channel encoding: %v", err).With("encoding", cfg.Encoding)
		}
	}
	return nil
}
