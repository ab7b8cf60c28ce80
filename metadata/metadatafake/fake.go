// Package metadatafake is an in-memory metadata.Emitter, used only in
// tests: each Define* call increments a per-table row counter rather than
// talking to a live CLR, so calltarget's token-synthesis tests can run
// without a hosted runtime.
package metadatafake

import (
	"fmt"
	"sync"

	"github.com/elastic-clr/iljoin/metadata"
	"github.com/elastic-clr/iljoin/tokens"
)

type row struct {
	name      string
	signature []byte
	flags     uint32
	parent    tokens.Token
}

// Emitter is a minimal in-memory implementation of metadata.Emitter.
type Emitter struct {
	mu    sync.Mutex
	rows  map[tokens.TableIndex]map[uint32]row
	blobs map[string]tokens.Token // signature bytes -> interned token, keyed by table
	next  map[tokens.TableIndex]uint32
}

func New() *Emitter {
	return &Emitter{
		rows:  make(map[tokens.TableIndex]map[uint32]row),
		blobs: make(map[string]tokens.Token),
		next:  make(map[tokens.TableIndex]uint32),
	}
}

func (e *Emitter) define(table tokens.TableIndex, r row) tokens.Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next[table]++
	rid := e.next[table]
	if e.rows[table] == nil {
		e.rows[table] = make(map[uint32]row)
	}
	e.rows[table][rid] = r
	return tokens.New(table, rid)
}

func (e *Emitter) DefineAssemblyRef(publicKey []byte, name string, version [4]uint16, locale string, hashValue []byte, flags uint32) (tokens.Token, error) {
	return e.define(tokens.AssemblyRef, row{name: name, flags: flags}), nil
}

func (e *Emitter) DefineTypeRefByName(resolutionScope tokens.Token, name string) (tokens.Token, error) {
	return e.define(tokens.TypeRef, row{name: name, parent: resolutionScope}), nil
}

func (e *Emitter) DefineMemberRef(typeRef tokens.Token, name string, signature []byte) (tokens.Token, error) {
	return e.define(tokens.MemberRef, row{name: name, signature: signature, parent: typeRef}), nil
}

func (e *Emitter) DefineMethodSpec(method tokens.Token, instantiation []byte) (tokens.Token, error) {
	return e.define(tokens.MethodSpec, row{signature: instantiation, parent: method}), nil
}

func (e *Emitter) GetTokenFromTypeSpec(signature []byte) (tokens.Token, error) {
	key := "typespec:" + string(signature)
	e.mu.Lock()
	if tok, ok := e.blobs[key]; ok {
		e.mu.Unlock()
		return tok, nil
	}
	e.mu.Unlock()
	tok := e.define(tokens.TypeSpec, row{signature: signature})
	e.mu.Lock()
	e.blobs[key] = tok
	e.mu.Unlock()
	return tok, nil
}

func (e *Emitter) GetTokenFromSig(signature []byte) (tokens.Token, error) {
	key := "sig:" + string(signature)
	e.mu.Lock()
	if tok, ok := e.blobs[key]; ok {
		e.mu.Unlock()
		return tok, nil
	}
	e.mu.Unlock()
	tok := e.define(tokens.StandAloneSig, row{signature: signature})
	e.mu.Lock()
	e.blobs[key] = tok
	e.mu.Unlock()
	return tok, nil
}

func (e *Emitter) DefineUserString(s string) (tokens.Token, error) {
	key := "us:" + s
	e.mu.Lock()
	if tok, ok := e.blobs[key]; ok {
		e.mu.Unlock()
		return tok, nil
	}
	e.mu.Unlock()
	tok := e.define(tokens.UserString, row{name: s})
	e.mu.Lock()
	e.blobs[key] = tok
	e.mu.Unlock()
	return tok, nil
}

func (e *Emitter) lookup(tok tokens.Token) (row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	table, ok := e.rows[tok.Table()]
	if !ok {
		return row{}, fmt.Errorf("metadatafake: no rows defined in table %s", tok.Table())
	}
	r, ok := table[tok.RID()]
	if !ok {
		return row{}, fmt.Errorf("metadatafake: unknown token %s", tok)
	}
	return r, nil
}

func (e *Emitter) GetSigFromToken(tok tokens.Token) ([]byte, error) {
	r, err := e.lookup(tok)
	return r.signature, err
}

func (e *Emitter) GetTypeSpecFromToken(tok tokens.Token) ([]byte, error) {
	r, err := e.lookup(tok)
	return r.signature, err
}

func (e *Emitter) GetMethodSpecProps(tok tokens.Token) (tokens.Token, []byte, error) {
	r, err := e.lookup(tok)
	return r.parent, r.signature, err
}

func (e *Emitter) GetMemberRefProps(tok tokens.Token) (metadata.MemberProps, error) {
	r, err := e.lookup(tok)
	return metadata.MemberProps{Name: r.name, Signature: r.signature}, err
}

func (e *Emitter) GetMemberProps(tok tokens.Token) (metadata.MemberProps, error) {
	return e.GetMemberRefProps(tok)
}

func (e *Emitter) GetMethodProps(tok tokens.Token) (metadata.MethodProps, error) {
	r, err := e.lookup(tok)
	return metadata.MethodProps{Name: r.name, Signature: r.signature, Attributes: r.flags}, err
}

func (e *Emitter) GetTypeDefProps(tok tokens.Token) (metadata.TypeDefProps, error) {
	r, err := e.lookup(tok)
	return metadata.TypeDefProps{Name: r.name, Flags: r.flags}, err
}

func (e *Emitter) GetNestedClassProps(tok tokens.Token) (tokens.Token, error) {
	r, err := e.lookup(tok)
	return r.parent, err
}

func (e *Emitter) GetUserString(tok tokens.Token) (string, error) {
	r, err := e.lookup(tok)
	return r.name, err
}

// DefineTypeDef registers a TypeDef row directly, for tests that need to
// seed a declaring type before exercising rewrite preconditions.
func (e *Emitter) DefineTypeDef(name string, flags uint32) tokens.Token {
	return e.define(tokens.TypeDef, row{name: name, flags: flags})
}

func (e *Emitter) FindTypeDefByName(name string, enclosingClass tokens.Token) (tokens.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for rid, r := range e.rows[tokens.TypeDef] {
		if r.name == name && r.parent == enclosingClass {
			return tokens.New(tokens.TypeDef, rid), nil
		}
	}
	return 0, fmt.Errorf("metadatafake: no TypeDef named %q", name)
}

func (e *Emitter) EnumMethodsWithName(typeDef tokens.Token, name string) ([]tokens.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []tokens.Token
	for rid, r := range e.rows[tokens.Method] {
		if r.name == name && r.parent == typeDef {
			out = append(out, tokens.New(tokens.Method, rid))
		}
	}
	return out, nil
}

// DefineMethodDef registers a Method row directly, used by calltarget
// tests to seed the BeginMethod/EndMethod suite EnumMethodsWithName looks
// up.
func (e *Emitter) DefineMethodDef(parent tokens.Token, name string, signature []byte) tokens.Token {
	return e.define(tokens.Method, row{parent: parent, name: name, signature: signature})
}

var _ metadata.Emitter = (*Emitter)(nil)
