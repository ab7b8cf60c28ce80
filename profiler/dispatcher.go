package profiler

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/elastic-clr/iljoin/calltarget"
	"github.com/elastic-clr/iljoin/cil"
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/integration"
	"github.com/elastic-clr/iljoin/metadata"
	"github.com/elastic-clr/iljoin/sig"
	"github.com/elastic-clr/iljoin/tokens"
)

// EmitterFactory resolves the metadata.Emitter for a loaded module. The
// native COM bridge that would normally back IMetaDataEmit is out of scope
// for this module (see package hostabi's doc comment); Dispatcher takes a
// factory instead of constructing one itself so tests can supply
// metadatafake.Emitter and a real host can supply its own live binding.
type EmitterFactory func(mod hostabi.ModuleID) (metadata.Emitter, error)

// Dispatcher implements hostabi.ProfilerCallback: it is the glue between
// host-reported JIT events and the cil/edit/calltarget rewrite pipeline,
// guarded by a Registry for the bookkeeping spec.md §7 describes.
type Dispatcher struct {
	Host              hostabi.Host
	Registry          *Registry
	Emitters          EmitterFactory
	ProfilerAssembly  calltarget.ProfilerAssembly
	CallTargetEnabled bool
	LogIL             bool
	Log               *logrus.Logger
}

// NewDispatcher wires a Dispatcher with a non-nil default logger, matching
// the rest of this module's use of logrus for structured log lines.
func NewDispatcher(host hostabi.Host, registry *Registry, emitters EmitterFactory, asm calltarget.ProfilerAssembly) *Dispatcher {
	return &Dispatcher{
		Host:              host,
		Registry:          registry,
		Emitters:          emitters,
		ProfilerAssembly:  asm,
		CallTargetEnabled: true,
		Log:               logrus.StandardLogger(),
	}
}

func (d *Dispatcher) ModuleLoadFinished(mod hostabi.ModuleID, hresult int32) error {
	if hresult != 0 {
		d.Log.WithFields(logrus.Fields{"module": mod, "hresult": hresult}).Warn("module load reported a non-zero HRESULT")
		return nil
	}
	d.Registry.ModuleLoaded(mod)
	return nil
}

func (d *Dispatcher) AppDomainShutdown(app hostabi.AppDomainID) error {
	d.Registry.AppDomainShutdown(app)
	return nil
}

func (d *Dispatcher) GetReJITParameters(mod hostabi.ModuleID, method tokens.Token) ([]byte, error) {
	return nil, fmt.Errorf("profiler: ReJIT path not wired to a rewrite request queue in this call")
}

// JITCompilationStarted is the rewrite trigger: resolve the function, find
// a matching integration's method replacement, and if one matches, weave
// or splice it in before the method is jitted.
func (d *Dispatcher) JITCompilationStarted(fnID hostabi.FunctionID, isSafeToBlock bool) error {
	if d.Registry.IsShuttingDown() {
		return nil
	}
	if !isSafeToBlock {
		return nil
	}

	fn, err := d.Host.GetFunctionInfo(fnID)
	if err != nil {
		return fmt.Errorf("profiler: GetFunctionInfo: %w", err)
	}

	moduleMeta := d.Registry.Module(fn.ModuleID)
	if moduleMeta == nil {
		moduleMeta = d.Registry.ModuleLoaded(fn.ModuleID)
	}

	replacement, ok := d.findReplacement(fn)
	if !ok {
		return nil
	}

	key := fn.AssemblyName + "!" + fn.TypeName + "!" + fn.Name
	if moduleMeta.IsWrapperKeyFailed(key) {
		return nil
	}

	body, err := d.Host.GetILFunctionBody(fn.ModuleID, fn.Token)
	if err != nil {
		moduleMeta.MarkWrapperKeyFailed(key)
		return fmt.Errorf("profiler: GetILFunctionBody: %w", err)
	}
	method, err := cil.ParseMethod(body)
	if err != nil {
		moduleMeta.MarkWrapperKeyFailed(key)
		return fmt.Errorf("profiler: parsing method body for %s: %w", key, err)
	}

	emitter, err := d.Emitters(fn.ModuleID)
	if err != nil {
		return fmt.Errorf("profiler: resolving emitter for module %d: %w", fn.ModuleID, err)
	}

	if moduleMeta.Tokens == nil {
		moduleMeta.Tokens = calltarget.NewCalltargetTokens(emitter, d.ProfilerAssembly)
	}

	if d.LogIL {
		d.Log.WithField("method", key).Tracef("IL before rewrite:\n%s", method.Disassemble())
	}

	switch {
	case d.CallTargetEnabled && replacement.Wrapper.Action == integration.ActionCallTargetModification:
		argSigs, retSig, err := paramAndReturnTypes(fn.Signature)
		if err != nil {
			moduleMeta.MarkWrapperKeyFailed(key)
			return fmt.Errorf("profiler: decoding signature for %s: %w", key, err)
		}
		if err := calltarget.Rewrite(&method, moduleMeta.Tokens, fn, emitter, argSigs, retSig); err != nil {
			if _, skipped := err.(*calltarget.Skip); skipped {
				d.Log.WithField("method", key).WithError(err).Debug("skipping call-target rewrite")
				return nil
			}
			moduleMeta.MarkWrapperKeyFailed(key)
			return fmt.Errorf("profiler: rewriting %s: %w", key, err)
		}
	case replacement.Wrapper.Action == integration.ActionReplaceTargetMethod || !d.CallTargetEnabled:
		wrapperRef, err := d.defineWrapperRef(emitter, replacement.Wrapper, fn.Signature)
		if err != nil {
			moduleMeta.MarkWrapperKeyFailed(key)
			return fmt.Errorf("profiler: resolving wrapper for %s: %w", key, err)
		}
		n, err := calltarget.ReplaceCallSite(&method, fn.Token, wrapperRef)
		if err != nil {
			moduleMeta.MarkWrapperKeyFailed(key)
			return fmt.Errorf("profiler: replacing call sites in %s: %w", key, err)
		}
		d.Log.WithFields(logrus.Fields{"method": key, "sites": n}).Debug("replaced call target")
	}

	if d.LogIL {
		d.Log.WithField("method", key).Tracef("IL after rewrite:\n%s", method.Disassemble())
	}

	newBody := method.Emit()
	if err := d.Host.SetILFunctionBody(fn.ModuleID, fn.Token, newBody); err != nil {
		moduleMeta.MarkWrapperKeyFailed(key)
		return fmt.Errorf("profiler: SetILFunctionBody for %s: %w", key, err)
	}
	return nil
}

// defineWrapperRef resolves a member ref for the replacement wrapper's
// method, reusing fn's own signature: the ReplaceTargetMethod action
// assumes the wrapper exposes a same-shaped static method under
// Wrapper.Type/Wrapper.Method, so the only lookup needed is the member ref
// itself, not a fresh signature. Wrapper.Assembly is a full strong name
// (e.g. "Elastic.Apm.AspNetCore, Version=1.0.0.0, Culture=neutral,
// PublicKeyToken=..."), so it's split with integration.ParseAssemblyReference
// rather than handed to DefineAssemblyRef's name parameter whole.
func (d *Dispatcher) defineWrapperRef(emitter metadata.Emitter, w integration.Wrapper, signature []byte) (tokens.Token, error) {
	ref, err := integration.ParseAssemblyReference(w.Assembly)
	if err != nil {
		return tokens.Token(0), fmt.Errorf("profiler: parsing wrapper assembly reference %q: %w", w.Assembly, err)
	}
	publicKeyToken, err := hex.DecodeString(ref.PublicKeyToken)
	if err != nil {
		return tokens.Token(0), fmt.Errorf("profiler: decoding public key token %q: %w", ref.PublicKeyToken, err)
	}

	asmRef, err := emitter.DefineAssemblyRef(publicKeyToken, ref.Name, [4]uint16(ref.Version), ref.Culture, nil, 0)
	if err != nil {
		return tokens.Token(0), err
	}
	typeRef, err := emitter.DefineTypeRefByName(asmRef, w.Type)
	if err != nil {
		return tokens.Token(0), err
	}
	return emitter.DefineMemberRef(typeRef, w.Method, signature)
}

// findReplacement looks up fn against the registered integrations' method
// replacement targets: name/assembly/type match plus the declaring
// assembly's version falling within [minimum_version, maximum_version] and
// fn's parameter count lining up with signature_types, per
// Target.MatchesSignature. A target whose signature can't be parsed is
// logged and skipped rather than treated as a match.
func (d *Dispatcher) findReplacement(fn hostabi.FunctionInfo) (integration.MethodReplacement, bool) {
	assemblyVersion := integration.Version(fn.AssemblyVersion)
	for _, def := range d.Registry.Integrations() {
		for _, mr := range def.MethodReplacements {
			ok, err := mr.Target.MatchesSignature(fn, assemblyVersion)
			if err != nil {
				d.Log.WithField("target", mr.Target.String()).WithError(err).Warn("failed to evaluate method replacement target")
				continue
			}
			if ok {
				return mr, true
			}
		}
	}
	return integration.MethodReplacement{}, false
}

// paramAndReturnTypes splits a MethodDefSig blob's parameters and return
// type into separate Type-production byte slices, the shape calltarget.Rewrite
// needs to pick BeginMethod/EndMethod overloads.
func paramAndReturnTypes(signature []byte) ([][]byte, []byte, error) {
	if len(signature) < 1 {
		return nil, nil, fmt.Errorf("profiler: empty method signature")
	}
	hasGeneric := signature[0]&0x10 != 0
	rest := signature[1:]
	if hasGeneric {
		_, n, err := sig.ParseNumber(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = rest[n:]
	}
	paramCount, n, err := sig.ParseNumber(rest)
	if err != nil {
		return nil, nil, err
	}
	rest = rest[n:]

	retLen, err := sig.ParseRetType(rest)
	if err != nil {
		return nil, nil, err
	}
	retType := append([]byte{}, rest[:retLen]...)
	rest = rest[retLen:]

	params := make([][]byte, 0, paramCount)
	for i := uint32(0); i < paramCount; i++ {
		plen, err := sig.ParseParam(rest)
		if err != nil {
			return nil, nil, err
		}
		params = append(params, append([]byte{}, rest[:plen]...))
		rest = rest[plen:]
	}
	return params, retType, nil
}
