package stringutil

import "strings"

// CredentialKind classifies a literal credential value by its prefix.
type CredentialKind string

const (
	// CredentialAnthropic is an Anthropic API key ("sk-ant-...").
	CredentialAnthropic CredentialKind = "anthropic"
	// CredentialOpenAI is an OpenAI API key ("sk-...").
	CredentialOpenAI CredentialKind = "openai"
	// CredentialGitHubPAT is a GitHub personal access token, classic or
	// fine-grained ("ghp_...", "github_pat_...").
	CredentialGitHubPAT CredentialKind = "github-pat"
	// CredentialGitHubOAuth is a GitHub OAuth token ("gho_...").
	CredentialGitHubOAuth CredentialKind = "github-oauth"
	// CredentialNone means the value does not look like a credential.
	CredentialNone CredentialKind = ""
)

// String returns the kind as a plain string.
func (k CredentialKind) String() string {
	return string(k)
}

// minCredentialLength filters out short strings that merely share a prefix
// with a token format.
const minCredentialLength = 20

// ClassifyCredential reports whether a value looks like a literal API
// credential and which provider it belongs to. Used by the config audit to
// flag secrets committed in plain text.
func ClassifyCredential(value string) CredentialKind {
	value = strings.TrimSpace(value)
	if len(value) < minCredentialLength {
		return CredentialNone
	}
	switch {
	case strings.HasPrefix(value, "sk-ant-"):
		return CredentialAnthropic
	case strings.HasPrefix(value, "sk-"):
		return CredentialOpenAI
	case strings.HasPrefix(value, "github_pat_"), strings.HasPrefix(value, "ghp_"):
		return CredentialGitHubPAT
	case strings.HasPrefix(value, "gho_"):
		return CredentialGitHubOAuth
	}
	return CredentialNone
}

// LooksLikeCredential reports whether a value matches any known token format.
func LooksLikeCredential(value string) bool {
	return ClassifyCredential(value) != CredentialNone
}
