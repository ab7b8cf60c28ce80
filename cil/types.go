package cil

import "github.com/elastic-clr/iljoin/tokens"

// Token aliases tokens.Token so callers working purely with the IL codec
// don't need a second import for the handful of operand fields that carry
// one.
type Token = tokens.Token
