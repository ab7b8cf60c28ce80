// Package hostabi defines the Go shape of the CLR profiling-ABI surface
// this module consumes. The native ABI shim itself — the COM-style
// ICorProfilerCallback/ICorProfilerInfo bridge — is out of scope; this
// package exists so profiler and calltarget have a concrete interface to
// program against and test doubles to run against in place of a live CLR.
package hostabi

import "github.com/elastic-clr/iljoin/tokens"

type ModuleID uint64
type FunctionID uint64
type AppDomainID uint64
type ProcessID uint64

// FunctionInfo is the subset of ICorProfilerInfo::GetFunctionInfo2 /
// GetModuleMetaData this module needs to decide whether and how to rewrite
// a JIT-compiled method.
type FunctionInfo struct {
	ModuleID     ModuleID
	Token        tokens.Token
	Name         string
	TypeName     string
	AssemblyName string

	// AssemblyVersion is the declaring assembly's own version (not the
	// wrapper's), the four-part major.minor.build.revision GetAssemblyInfo
	// reports. integration.Target.MatchesSignature checks this against a
	// replacement's minimum_version/maximum_version window.
	AssemblyVersion [4]uint16

	IsStatic                 bool
	DeclaringTypeIsValueType bool
	DeclaringTypeIsGeneric   bool
	HasByRefParameter        bool

	// Signature is the raw MethodDefSig blob, walkable with package sig.
	Signature []byte
}

// ILAllocator mirrors ICorProfilerInfo::GetILFunctionBodyAllocator: the
// host owns the memory a rewritten method body is written into.
type ILAllocator interface {
	Alloc(size int) ([]byte, error)
}

// ProfilerCallback is the subset of ICorProfilerCallback this module
// implements. profiler.Dispatcher satisfies it.
type ProfilerCallback interface {
	ModuleLoadFinished(mod ModuleID, hresult int32) error
	JITCompilationStarted(fn FunctionID, isSafeToBlock bool) error
	GetReJITParameters(mod ModuleID, method tokens.Token) (ilMethodBody []byte, err error)
	AppDomainShutdown(app AppDomainID) error
}

// Host is the subset of ICorProfilerInfo this module calls into.
type Host interface {
	GetILFunctionBody(mod ModuleID, method tokens.Token) ([]byte, error)
	GetILFunctionBodyAllocator(mod ModuleID) (ILAllocator, error)
	SetILFunctionBody(mod ModuleID, method tokens.Token, body []byte) error
	SetILFunctionBodyForReJIT(functionControl uintptr, body []byte) error
	GetFunctionInfo(fn FunctionID) (FunctionInfo, error)
	RequestReJIT(moduleIDs []ModuleID, methods []tokens.Token) error
}
