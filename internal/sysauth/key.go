// Package sysauth authenticates gateway-to-gateway traffic.
//
// A gateway that forwards a request to a peer region acts as a trusted system
// principal: it signs the outgoing request with the region's system key and
// tags it with the system parameters below so the peer can tell system traffic
// apart from end-user requests. Two signing schemes are supported:
//
//   - SigV4Signer signs requests the way S3-compatible peers expect.
//   - TokenSigner attaches a short-lived HS256 bearer token carrying the
//     forwarded uid and the originating region.
//
// TokenVerifier and Middleware are the receiving half of the token scheme.
package sysauth

import "fmt"

// System parameter naming convention. Every parameter injected into a
// forwarded request carries SysParamPrefix so the peer never confuses it with
// an end-user query parameter.
const (
	SysParamPrefix = "rgwx-"

	ParamUID             = SysParamPrefix + "uid"
	ParamRegion          = SysParamPrefix + "region"
	ParamPrependMetadata = SysParamPrefix + "prepend-metadata"
)

// SystemKey is the access/secret pair identifying the local gateway to its
// peers.
type SystemKey struct {
	AccessKey string `yaml:"access_key" mapstructure:"access_key" env:"SYSTEM_ACCESS_KEY"`
	SecretKey string `yaml:"-" mapstructure:"-" env:"SYSTEM_SECRET_KEY"`
}

// IsEmpty reports whether no key material is configured.
func (k SystemKey) IsEmpty() bool {
	return k.AccessKey == "" || k.SecretKey == ""
}

// String never prints the secret.
func (k SystemKey) String() string {
	if k.SecretKey == "" {
		return fmt.Sprintf("SystemKey{%s}", k.AccessKey)
	}
	return fmt.Sprintf("SystemKey{%s, secret=***}", k.AccessKey)
}
