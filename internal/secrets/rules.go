package secrets

// DefaultRules returns the built-in secret detection rules. The set targets
// what shows up in command output and file reads: key=value credential
// assignments, bearer tokens, cloud access keys, and long encoded runs.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "password-assignment",
			Description: "Password in key=value form",
			Pattern:     `(?i)(?:password|passwd|pwd)\s*[=:]\s*[^\s'"]+`,
		},
		{
			ID:          "token-assignment",
			Description: "Token or secret in key=value form",
			Pattern:     `(?i)(?:token|secret|auth[_-]?token|access[_-]?token)\s*[=:]\s*[^\s'"]+`,
		},
		{
			ID:          "api-key-assignment",
			Description: "API key in key=value form",
			Pattern:     `(?i)api[_-]?key\s*[=:]\s*[^\s'"]+`,
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token in an Authorization header",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.]{16,}`,
		},
		{
			ID:          "authorization-header",
			Description: "Raw Authorization header value",
			Pattern:     `(?i)authorization:\s*[^\s]+`,
		},
		{
			ID:          "aws-access-key-id",
			Description: "AWS Access Key ID",
			Pattern:     `(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|ASIA)[A-Z0-9]{16}`,
		},
		{
			ID:          "aws-secret-assignment",
			Description: "AWS secret access key assignment",
			Pattern:     `(?i)aws_secret_access_key\s*[=:]\s*[^\s'"]+`,
		},
		{
			ID:          "private-key-block",
			Description: "PEM private key header",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{
			ID:          "long-base64",
			Description: "Long base64 run (potential encoded secret)",
			Pattern:     `[A-Za-z0-9+/]{40,}={0,2}`,
		},
		{
			ID:          "long-hex",
			Description: "Long hex run (potential key material)",
			Pattern:     `\b[0-9a-fA-F]{40,}\b`,
		},
	}
}
