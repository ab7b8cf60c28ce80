// Package metadata defines the Go shape of the IMetaDataEmit/IMetaDataImport
// surface the call-target rewriter programs against. As with hostabi, the
// real COM bridge is out of scope; metadatafake implements Emitter in
// memory so calltarget's tests exercise real token synthesis without a
// live CLR.
package metadata

import "github.com/elastic-clr/iljoin/tokens"

// MemberProps is the subset of IMetaDataImport::GetMemberProps this module
// reads back after resolving a member ref/def.
type MemberProps struct {
	Name      string
	Signature []byte
}

// MethodProps is the subset of IMetaDataImport::GetMethodProps this module
// reads back when resolving a wrapper method.
type MethodProps struct {
	Name       string
	Signature  []byte
	Attributes uint32
}

// TypeDefProps is the subset of IMetaDataImport::GetTypeDefProps needed to
// decide whether a declaring type is a value type.
type TypeDefProps struct {
	Name  string
	Flags uint32
}

// Emitter is the metadata read/write surface calltarget needs: defining new
// assembly/type/member refs and method specs, resolving existing ones, and
// interning signature blobs and user strings.
type Emitter interface {
	DefineAssemblyRef(publicKey []byte, name string, version [4]uint16, locale string, hashValue []byte, flags uint32) (tokens.Token, error)
	DefineTypeRefByName(resolutionScope tokens.Token, name string) (tokens.Token, error)
	DefineMemberRef(typeRef tokens.Token, name string, signature []byte) (tokens.Token, error)
	DefineMethodSpec(method tokens.Token, instantiation []byte) (tokens.Token, error)

	GetTokenFromTypeSpec(signature []byte) (tokens.Token, error)
	GetTokenFromSig(signature []byte) (tokens.Token, error)
	DefineUserString(s string) (tokens.Token, error)

	GetSigFromToken(tok tokens.Token) ([]byte, error)
	GetTypeSpecFromToken(tok tokens.Token) ([]byte, error)
	GetMethodSpecProps(tok tokens.Token) (method tokens.Token, instantiation []byte, err error)
	GetMemberRefProps(tok tokens.Token) (MemberProps, error)
	GetMemberProps(tok tokens.Token) (MemberProps, error)
	GetMethodProps(tok tokens.Token) (MethodProps, error)
	GetTypeDefProps(tok tokens.Token) (TypeDefProps, error)
	GetNestedClassProps(tok tokens.Token) (enclosing tokens.Token, err error)
	GetUserString(tok tokens.Token) (string, error)

	FindTypeDefByName(name string, enclosingClass tokens.Token) (tokens.Token, error)
	EnumMethodsWithName(typeDef tokens.Token, name string) ([]tokens.Token, error)
}
