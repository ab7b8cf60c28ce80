// Package calltarget implements the call-target instrumentation rewriter:
// token synthesis against a metadata.Emitter, and weaving a prologue and
// try/catch/finally epilogue around a method body that invokes generic
// BeginMethod/EndMethod/LogException hooks.
package calltarget

import (
	"fmt"
	"sync"

	"github.com/elastic-clr/iljoin/metadata"
	"github.com/elastic-clr/iljoin/sig"
	"github.com/elastic-clr/iljoin/tokens"
)

// ProfilerAssembly identifies the instrumentation assembly whose
// BeginMethod/EndMethod/LogException suite the rewriter calls into.
type ProfilerAssembly struct {
	Name           string
	Version        [4]uint16
	Locale         string
	PublicKeyToken []byte
}

// CalltargetTokens lazily defines, per module, the set of metadata tokens
// the rewriter needs. Each token accessor is idempotent: once defined for
// this instance it is cached and reused, matching the "defined once per
// module" contract of spec §4.7.
type CalltargetTokens struct {
	mu sync.Mutex

	emitter metadata.Emitter
	profilerAssembly ProfilerAssembly

	corLibAssemblyRef tokens.Token

	objectTypeRef          tokens.Token
	exceptionTypeRef       tokens.Token
	typeTypeRef            tokens.Token
	runtimeTypeHandleRef   tokens.Token
	runtimeMethodHandleRef tokens.Token

	getTypeFromHandleToken tokens.Token

	profilerAssemblyRef tokens.Token

	callTargetTypeRef           tokens.Token
	callTargetStateTypeRef      tokens.Token
	callTargetReturnVoidTypeRef tokens.Token
	callTargetReturnTypeRef     tokens.Token

	callTargetStateGetDefault     tokens.Token
	callTargetReturnVoidGetDefault tokens.Token
	callTargetReturnValueGetDefault map[string]tokens.Token // keyed by return-type signature

	getDefaultMember tokens.Token

	beginMethodFastPath [9]tokens.Token // arity 0..8
	beginArrayMember    tokens.Token

	endVoidMember tokens.Token
	endMember     map[string]tokens.Token // keyed by return-type signature

	logExceptionRef tokens.Token
}

// NewCalltargetTokens returns a token cache bound to emitter (the target
// module's metadata scope) and the instrumentation assembly to splice
// calls against.
func NewCalltargetTokens(emitter metadata.Emitter, profilerAssembly ProfilerAssembly) *CalltargetTokens {
	return &CalltargetTokens{
		emitter:                         emitter,
		profilerAssembly:                profilerAssembly,
		callTargetReturnValueGetDefault: make(map[string]tokens.Token),
		endMember:                       make(map[string]tokens.Token),
	}
}

const (
	corLibName = "System.Private.CoreLib"
	callTargetNamespace = "Elastic.Apm.Profiler.Managed.CallTarget"
)

func (c *CalltargetTokens) CorLibAssemblyRef() (tokens.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.corLibAssemblyRef.IsNil() {
		return c.corLibAssemblyRef, nil
	}
	tok, err := c.emitter.DefineAssemblyRef(nil, corLibName, [4]uint16{4, 0, 0, 0}, "", nil, 0)
	if err != nil {
		return 0, fmt.Errorf("calltarget: corLibAssemblyRef: %w", err)
	}
	c.corLibAssemblyRef = tok
	return tok, nil
}

func (c *CalltargetTokens) typeRefInCorLib(cache *tokens.Token, name string) (tokens.Token, error) {
	c.mu.Lock()
	if !cache.IsNil() {
		defer c.mu.Unlock()
		return *cache, nil
	}
	c.mu.Unlock()
	corLib, err := c.CorLibAssemblyRef()
	if err != nil {
		return 0, err
	}
	tok, err := c.emitter.DefineTypeRefByName(corLib, name)
	if err != nil {
		return 0, fmt.Errorf("calltarget: type ref %s: %w", name, err)
	}
	c.mu.Lock()
	*cache = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *CalltargetTokens) ObjectTypeRef() (tokens.Token, error) {
	return c.typeRefInCorLib(&c.objectTypeRef, "System.Object")
}

func (c *CalltargetTokens) ExceptionTypeRef() (tokens.Token, error) {
	return c.typeRefInCorLib(&c.exceptionTypeRef, "System.Exception")
}

func (c *CalltargetTokens) TypeTypeRef() (tokens.Token, error) {
	return c.typeRefInCorLib(&c.typeTypeRef, "System.Type")
}

func (c *CalltargetTokens) RuntimeTypeHandleRef() (tokens.Token, error) {
	return c.typeRefInCorLib(&c.runtimeTypeHandleRef, "System.RuntimeTypeHandle")
}

func (c *CalltargetTokens) RuntimeMethodHandleRef() (tokens.Token, error) {
	return c.typeRefInCorLib(&c.runtimeMethodHandleRef, "System.RuntimeMethodHandle")
}

// GetTypeFromHandleToken returns the member-ref for
// Type.GetTypeFromHandle(RuntimeTypeHandle) -> Type.
func (c *CalltargetTokens) GetTypeFromHandleToken() (tokens.Token, error) {
	c.mu.Lock()
	if !c.getTypeFromHandleToken.IsNil() {
		defer c.mu.Unlock()
		return c.getTypeFromHandleToken, nil
	}
	c.mu.Unlock()

	typeRef, err := c.TypeTypeRef()
	if err != nil {
		return 0, err
	}
	handleRef, err := c.RuntimeTypeHandleRef()
	if err != nil {
		return 0, err
	}
	// static Type GetTypeFromHandle(RuntimeTypeHandle)
	blob := []byte{0x00, 0x01, byte(sig.ElementTypeClass)}
	blob = append(blob, sig.CompressToken(typeRef)...)
	blob = append(blob, byte(sig.ElementTypeValueType))
	blob = append(blob, sig.CompressToken(handleRef)...)

	tok, err := c.emitter.DefineMemberRef(typeRef, "GetTypeFromHandle", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: GetTypeFromHandle member ref: %w", err)
	}
	c.mu.Lock()
	c.getTypeFromHandleToken = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *CalltargetTokens) ProfilerAssemblyRef() (tokens.Token, error) {
	c.mu.Lock()
	if !c.profilerAssemblyRef.IsNil() {
		defer c.mu.Unlock()
		return c.profilerAssemblyRef, nil
	}
	c.mu.Unlock()
	tok, err := c.emitter.DefineAssemblyRef(
		c.profilerAssembly.PublicKeyToken, c.profilerAssembly.Name,
		c.profilerAssembly.Version, c.profilerAssembly.Locale, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("calltarget: profilerAssemblyRef: %w", err)
	}
	c.mu.Lock()
	c.profilerAssemblyRef = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *CalltargetTokens) typeRefInProfilerAssembly(cache *tokens.Token, name string) (tokens.Token, error) {
	c.mu.Lock()
	if !cache.IsNil() {
		defer c.mu.Unlock()
		return *cache, nil
	}
	c.mu.Unlock()
	asm, err := c.ProfilerAssemblyRef()
	if err != nil {
		return 0, err
	}
	tok, err := c.emitter.DefineTypeRefByName(asm, name)
	if err != nil {
		return 0, fmt.Errorf("calltarget: type ref %s: %w", name, err)
	}
	c.mu.Lock()
	*cache = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *CalltargetTokens) CallTargetTypeRef() (tokens.Token, error) {
	return c.typeRefInProfilerAssembly(&c.callTargetTypeRef, callTargetNamespace+".CallTarget")
}

func (c *CalltargetTokens) CallTargetStateTypeRef() (tokens.Token, error) {
	return c.typeRefInProfilerAssembly(&c.callTargetStateTypeRef, callTargetNamespace+".CallTargetState")
}

func (c *CalltargetTokens) CallTargetReturnVoidTypeRef() (tokens.Token, error) {
	return c.typeRefInProfilerAssembly(&c.callTargetReturnVoidTypeRef, callTargetNamespace+".CallTargetReturn")
}

func (c *CalltargetTokens) CallTargetReturnTypeRef() (tokens.Token, error) {
	return c.typeRefInProfilerAssembly(&c.callTargetReturnTypeRef, callTargetNamespace+".CallTargetReturn`1")
}

// CallTargetStateGetDefault returns the member-ref for
// CallTargetState.GetDefault() -> CallTargetState.
func (c *CalltargetTokens) CallTargetStateGetDefault() (tokens.Token, error) {
	c.mu.Lock()
	if !c.callTargetStateGetDefault.IsNil() {
		defer c.mu.Unlock()
		return c.callTargetStateGetDefault, nil
	}
	c.mu.Unlock()
	stateRef, err := c.CallTargetStateTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x00, 0x00, byte(sig.ElementTypeValueType)}
	blob = append(blob, sig.CompressToken(stateRef)...)
	tok, err := c.emitter.DefineMemberRef(stateRef, "GetDefault", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: CallTargetState.GetDefault: %w", err)
	}
	c.mu.Lock()
	c.callTargetStateGetDefault = tok
	c.mu.Unlock()
	return tok, nil
}

// CallTargetReturnVoidGetDefault returns the member-ref for
// CallTargetReturn.GetDefault() -> CallTargetReturn.
func (c *CalltargetTokens) CallTargetReturnVoidGetDefault() (tokens.Token, error) {
	c.mu.Lock()
	if !c.callTargetReturnVoidGetDefault.IsNil() {
		defer c.mu.Unlock()
		return c.callTargetReturnVoidGetDefault, nil
	}
	c.mu.Unlock()
	retRef, err := c.CallTargetReturnVoidTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x00, 0x00, byte(sig.ElementTypeValueType)}
	blob = append(blob, sig.CompressToken(retRef)...)
	tok, err := c.emitter.DefineMemberRef(retRef, "GetDefault", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: CallTargetReturn.GetDefault: %w", err)
	}
	c.mu.Lock()
	c.callTargetReturnVoidGetDefault = tok
	c.mu.Unlock()
	return tok, nil
}

// CallTargetReturnValueGetDefault returns (and caches, keyed by the
// instantiated return-type signature) the method-spec for
// CallTargetReturn<T>.GetDefault() -> CallTargetReturn<T>, T being
// returnTypeSig.
func (c *CalltargetTokens) CallTargetReturnValueGetDefault(returnTypeSig []byte) (tokens.Token, error) {
	key := string(returnTypeSig)
	c.mu.Lock()
	if tok, ok := c.callTargetReturnValueGetDefault[key]; ok {
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	retRef, err := c.CallTargetReturnTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x00, 0x00, byte(sig.ElementTypeValueType)}
	blob = append(blob, sig.CompressToken(retRef)...)
	member, err := c.emitter.DefineMemberRef(retRef, "GetDefault", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: CallTargetReturn<T>.GetDefault member ref: %w", err)
	}
	instantiation := append([]byte{byte(sig.ElementTypeGenericInst), 0x01}, returnTypeSig...)
	tok, err := c.emitter.DefineMethodSpec(member, instantiation)
	if err != nil {
		return 0, fmt.Errorf("calltarget: CallTargetReturn<T>.GetDefault spec: %w", err)
	}
	c.mu.Lock()
	c.callTargetReturnValueGetDefault[key] = tok
	c.mu.Unlock()
	return tok, nil
}

// GetDefaultMember returns the member-ref for CallTarget.GetDefaultValue<T>().
func (c *CalltargetTokens) GetDefaultMember() (tokens.Token, error) {
	c.mu.Lock()
	if !c.getDefaultMember.IsNil() {
		defer c.mu.Unlock()
		return c.getDefaultMember, nil
	}
	c.mu.Unlock()
	typeRef, err := c.CallTargetTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x10, 0x01, 0x00, byte(sig.ElementTypeMVar), 0x00}
	tok, err := c.emitter.DefineMemberRef(typeRef, "GetDefaultValue", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: GetDefaultValue member ref: %w", err)
	}
	c.mu.Lock()
	c.getDefaultMember = tok
	c.mu.Unlock()
	return tok, nil
}

// maxFastPathArity is the largest argument count (excluding target and
// generic params) that has a dedicated typed BeginMethod overload. Beyond
// this, the rewriter falls back to the object[]-array slow path.
const maxFastPathArity = 8

// BeginMethodFastPath returns the member-ref for the generic
// BeginMethod<TIntegration, TTarget, T1..Tn>(TTarget, T1..Tn) overload for
// the given arity (0..=8).
func (c *CalltargetTokens) BeginMethodFastPath(arity int) (tokens.Token, error) {
	if arity < 0 || arity > maxFastPathArity {
		return 0, fmt.Errorf("calltarget: arity %d has no fast-path BeginMethod overload", arity)
	}
	c.mu.Lock()
	if !c.beginMethodFastPath[arity].IsNil() {
		defer c.mu.Unlock()
		return c.beginMethodFastPath[arity], nil
	}
	c.mu.Unlock()

	typeRef, err := c.CallTargetTypeRef()
	if err != nil {
		return 0, err
	}
	genericParamCount := 2 + arity // TIntegration, TTarget, T1..Tn
	blob := []byte{0x10, byte(1 + arity)}
	blob = append(blob, byte(genericParamCount))
	blob = append(blob, byte(sig.ElementTypeValueType)) // return: CallTargetState
	stateRef, err := c.CallTargetStateTypeRef()
	if err != nil {
		return 0, err
	}
	blob = append(blob, sig.CompressToken(stateRef)...)
	blob = append(blob, byte(sig.ElementTypeMVar), 0x01) // TTarget
	for i := 0; i < arity; i++ {
		blob = append(blob, byte(sig.ElementTypeMVar), byte(2+i))
	}

	tok, err := c.emitter.DefineMemberRef(typeRef, "BeginMethod", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: BeginMethod[%d] member ref: %w", arity, err)
	}
	c.mu.Lock()
	c.beginMethodFastPath[arity] = tok
	c.mu.Unlock()
	return tok, nil
}

// BeginArrayMember returns the member-ref for the slow-path
// BeginMethod<TIntegration, TTarget>(TTarget, object[]).
func (c *CalltargetTokens) BeginArrayMember() (tokens.Token, error) {
	c.mu.Lock()
	if !c.beginArrayMember.IsNil() {
		defer c.mu.Unlock()
		return c.beginArrayMember, nil
	}
	c.mu.Unlock()
	typeRef, err := c.CallTargetTypeRef()
	if err != nil {
		return 0, err
	}
	stateRef, err := c.CallTargetStateTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x10, 0x02, 0x02, byte(sig.ElementTypeValueType)}
	blob = append(blob, sig.CompressToken(stateRef)...)
	blob = append(blob, byte(sig.ElementTypeMVar), 0x01)
	blob = append(blob, byte(sig.ElementTypeSzArray), byte(sig.ElementTypeObject))
	tok, err := c.emitter.DefineMemberRef(typeRef, "BeginMethod", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: array-path BeginMethod member ref: %w", err)
	}
	c.mu.Lock()
	c.beginArrayMember = tok
	c.mu.Unlock()
	return tok, nil
}

// EndVoidMember returns the member-ref for
// EndMethod<TIntegration, TTarget>(TTarget, Exception, CallTargetState).
func (c *CalltargetTokens) EndVoidMember() (tokens.Token, error) {
	c.mu.Lock()
	if !c.endVoidMember.IsNil() {
		defer c.mu.Unlock()
		return c.endVoidMember, nil
	}
	c.mu.Unlock()
	typeRef, err := c.CallTargetTypeRef()
	if err != nil {
		return 0, err
	}
	retVoidRef, err := c.CallTargetReturnVoidTypeRef()
	if err != nil {
		return 0, err
	}
	excRef, err := c.ExceptionTypeRef()
	if err != nil {
		return 0, err
	}
	stateRef, err := c.CallTargetStateTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x10, 0x03, 0x02, byte(sig.ElementTypeValueType)}
	blob = append(blob, sig.CompressToken(retVoidRef)...)
	blob = append(blob, byte(sig.ElementTypeMVar), 0x01)
	blob = append(blob, byte(sig.ElementTypeClass))
	blob = append(blob, sig.CompressToken(excRef)...)
	blob = append(blob, byte(sig.ElementTypeValueType))
	blob = append(blob, sig.CompressToken(stateRef)...)
	tok, err := c.emitter.DefineMemberRef(typeRef, "EndMethod", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: EndMethod (void) member ref: %w", err)
	}
	c.mu.Lock()
	c.endVoidMember = tok
	c.mu.Unlock()
	return tok, nil
}

// EndMember returns (and caches per return-type signature) the method-spec
// for EndMethod<TIntegration, TTarget, T>(TTarget, T, Exception, CallTargetState).
func (c *CalltargetTokens) EndMember(returnTypeSig []byte) (tokens.Token, error) {
	key := string(returnTypeSig)
	c.mu.Lock()
	if tok, ok := c.endMember[key]; ok {
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	typeRef, err := c.CallTargetTypeRef()
	if err != nil {
		return 0, err
	}
	retRef, err := c.CallTargetReturnTypeRef()
	if err != nil {
		return 0, err
	}
	excRef, err := c.ExceptionTypeRef()
	if err != nil {
		return 0, err
	}
	stateRef, err := c.CallTargetStateTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x10, 0x04, 0x03, byte(sig.ElementTypeGenericInst), byte(sig.ElementTypeValueType)}
	blob = append(blob, sig.CompressToken(retRef)...)
	blob = append(blob, 0x01)
	blob = append(blob, byte(sig.ElementTypeMVar), 0x02)
	blob = append(blob, byte(sig.ElementTypeMVar), 0x01)
	blob = append(blob, byte(sig.ElementTypeMVar), 0x02)
	blob = append(blob, byte(sig.ElementTypeClass))
	blob = append(blob, sig.CompressToken(excRef)...)
	blob = append(blob, byte(sig.ElementTypeValueType))
	blob = append(blob, sig.CompressToken(stateRef)...)
	member, err := c.emitter.DefineMemberRef(typeRef, "EndMethod", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: EndMethod<T> member ref: %w", err)
	}
	instantiation := append([]byte{byte(sig.ElementTypeGenericInst), 0x01}, returnTypeSig...)
	tok, err := c.emitter.DefineMethodSpec(member, instantiation)
	if err != nil {
		return 0, fmt.Errorf("calltarget: EndMethod<T> spec: %w", err)
	}
	c.mu.Lock()
	c.endMember[key] = tok
	c.mu.Unlock()
	return tok, nil
}

// LogExceptionRef returns the member-ref for
// LogException<TIntegration, TTarget>(Exception).
func (c *CalltargetTokens) LogExceptionRef() (tokens.Token, error) {
	c.mu.Lock()
	if !c.logExceptionRef.IsNil() {
		defer c.mu.Unlock()
		return c.logExceptionRef, nil
	}
	c.mu.Unlock()
	typeRef, err := c.CallTargetTypeRef()
	if err != nil {
		return 0, err
	}
	excRef, err := c.ExceptionTypeRef()
	if err != nil {
		return 0, err
	}
	blob := []byte{0x10, 0x01, 0x02, byte(sig.ElementTypeVoid), byte(sig.ElementTypeClass)}
	blob = append(blob, sig.CompressToken(excRef)...)
	tok, err := c.emitter.DefineMemberRef(typeRef, "LogException", blob)
	if err != nil {
		return 0, fmt.Errorf("calltarget: LogException member ref: %w", err)
	}
	c.mu.Lock()
	c.logExceptionRef = tok
	c.mu.Unlock()
	return tok, nil
}
