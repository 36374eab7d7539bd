package idpkit

import "github.com/idpkit/idpkit/internal/oauth2"

// The wire-level protocol vocabulary is defined once, in internal/oauth2, and
// aliased here for the public API.

// ResponseType is the authorize endpoint response_type parameter.
type ResponseType = oauth2.ResponseType

const (
	ResponseTypeCode             = oauth2.ResponseTypeCode
	ResponseTypeIDToken          = oauth2.ResponseTypeIDToken
	ResponseTypeToken            = oauth2.ResponseTypeToken
	ResponseTypeIDTokenToken     = oauth2.ResponseTypeIDTokenToken
	ResponseTypeCodeIDToken      = oauth2.ResponseTypeCodeIDToken
	ResponseTypeCodeToken        = oauth2.ResponseTypeCodeToken
	ResponseTypeCodeIDTokenToken = oauth2.ResponseTypeCodeIDTokenToken
)

// GrantType is the token endpoint grant_type parameter.
type GrantType = oauth2.GrantType

const (
	GrantTypeAuthorizationCode = oauth2.GrantTypeAuthorizationCode
	GrantTypeRefreshToken      = oauth2.GrantTypeRefreshToken
	GrantTypeClientCredentials = oauth2.GrantTypeClientCredentials
	GrantTypePassword          = oauth2.GrantTypePassword
)

// PromptType is the OIDC prompt parameter.
type PromptType = oauth2.PromptType

const (
	PromptNone    = oauth2.PromptNone
	PromptLogin   = oauth2.PromptLogin
	PromptConsent = oauth2.PromptConsent
)

const (
	CodeChallengeMethodPlain = oauth2.CodeChallengeMethodPlain
	CodeChallengeMethodS256  = oauth2.CodeChallengeMethodS256
)

// flowForResponseType maps a response type onto the grant flow it requires.
func flowForResponseType(rt ResponseType) Flow {
	switch rt {
	case ResponseTypeCode:
		return FlowAuthorizationCode
	case ResponseTypeIDToken, ResponseTypeToken, ResponseTypeIDTokenToken:
		return FlowImplicit
	default:
		return FlowHybrid
	}
}
