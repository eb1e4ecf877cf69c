// Package util holds small helpers shared across the engine: truncation of
// identifiers for logging, URL normalisation for issuer and audience
// comparison, and SSRF checks for URLs the engine fetches or redirects to.
package util
