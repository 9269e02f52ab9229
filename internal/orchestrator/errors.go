package orchestrator

import (
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

func unknownPlatformError(platform string) error {
	return ferrors.PlatformError("unknown platform").
		WithContext("platform", platform).
		Build()
}

func assetNotFoundError(platform, filename string) error {
	return ferrors.NotFoundError("asset not found").
		WithContext("platform", platform).
		WithContext("filename", filename).
		Build()
}

func compileError(platform string, generation uint64, cause error) error {
	return ferrors.CompileError("build failed").
		WithCause(cause).
		WithContext("platform", platform).
		WithContext("generation", generation).
		Build()
}

func closedError(platform string) error {
	b := ferrors.ClosedError("orchestrator closed")
	if platform != "" {
		b = b.WithContext("platform", platform)
	}
	return b.Build()
}

// IsUnknownPlatform reports whether err was caused by a request for a
// platform outside the configured set.
func IsUnknownPlatform(err error) bool {
	return ferrors.HasCategory(err, ferrors.CategoryPlatform)
}

// IsCompile reports whether err is a failed build.
func IsCompile(err error) bool {
	return ferrors.HasCategory(err, ferrors.CategoryCompile)
}

// IsAssetNotFound reports whether a successful build lacked the requested file.
func IsAssetNotFound(err error) bool {
	return ferrors.HasCategory(err, ferrors.CategoryNotFound)
}

// IsClosed reports whether err came from shutdown.
func IsClosed(err error) bool {
	return ferrors.HasCategory(err, ferrors.CategoryClosed)
}
