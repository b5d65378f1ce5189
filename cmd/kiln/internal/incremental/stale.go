package incremental

// IsStale reports whether a file whose last compiled fingerprint was prior
// must be treated as changed given its current fingerprint.
//
// The size+mtime rule treats a recorded mtime at or after the observed one
// as "no newer edit". Together with the clock-skew reset in
// FingerprintStore this keeps large files stable across builds.
func IsStale(prior, current Fingerprint) bool {
	switch {
	case prior.Kind == FingerprintHashed && current.Kind == FingerprintHashed:
		return prior.Digest != current.Digest
	case prior.Kind == FingerprintUnhashed && current.Kind == FingerprintUnhashed:
		return prior.Size != current.Size || prior.ModTime < current.ModTime
	case prior.Kind == FingerprintFailed && current.Kind == FingerprintFailed:
		return prior.Reason != current.Reason
	default:
		return true
	}
}

// ResourcesStale reports whether any external resource declared by src
// changed since src was compiled.
func ResourcesStale(src Source, fps *FingerprintStore) bool {
	for _, res := range src.External {
		if IsStale(res.Fingerprint, fps.Get(res.Path)) {
			return true
		}
	}
	return false
}

// SourceStale combines the source's own fingerprint with its resources.
func SourceStale(src Source, fps *FingerprintStore) bool {
	return IsStale(src.Fingerprint, fps.Get(src.Path)) || ResourcesStale(src, fps)
}
