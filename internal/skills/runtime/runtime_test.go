package runtime_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
	runtime "github.com/loqalabs/loqa-voice/internal/skills/runtime"
)

const sampleManifest = `metadata:
  name: sample
  version: 0.0.1
  description: example skill
  author: test
runtime:
  mode: wasm
  module: %s
  entrypoint: run
  host_version: v1
actions:
  - name: ping
permissions:
  - actions:execute
`

// resultModule is a minimal module exporting "run", which passes the two
// bytes "ok" at offset 0 to env.host_result.
var resultModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32, i32) -> i32, () -> ()
	0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	// import env.host_result
	0x02, 0x13, 0x01, 0x03, 'e', 'n', 'v', 0x0b, 'h', 'o', 's', 't', '_', 'r', 'e', 's', 'u', 'l', 't', 0x00, 0x00,
	// function
	0x03, 0x02, 0x01, 0x01,
	// memory
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export run, memory
	0x07, 0x10, 0x02, 0x03, 'r', 'u', 'n', 0x00, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	// code
	0x0a, 0x0b, 0x01, 0x09, 0x00, 0x41, 0x00, 0x41, 0x02, 0x10, 0x00, 0x1a, 0x0b,
	// data "ok"
	0x0b, 0x08, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x02, 'o', 'k',
}

func writeSkill(t *testing.T, modulePath string) manifest.Manifest {
	t.Helper()
	manifestPath := filepath.Join(t.TempDir(), "skill.yaml")
	if err := os.WriteFile(manifestPath, []byte(fmt.Sprintf(sampleManifest, modulePath)), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	mf, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return mf
}

func newRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := runtime.New(ctx)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func writeModule(t *testing.T) string {
	t.Helper()
	modulePath := filepath.Join(t.TempDir(), "ping.wasm")
	if err := os.WriteFile(modulePath, resultModule, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return modulePath
}

func TestCompileMissingFile(t *testing.T) {
	rt := newRuntime(t)
	mf := writeSkill(t, filepath.Join(t.TempDir(), "missing.wasm"))
	if _, err := rt.Compile(context.Background(), mf); err == nil {
		t.Fatalf("expected error for missing module")
	}
}

func TestCompileMissingEntrypoint(t *testing.T) {
	rt := newRuntime(t)
	mf := writeSkill(t, writeModule(t))
	mf.Runtime.Entrypoint = "handle"
	if _, err := rt.Compile(context.Background(), mf); err == nil {
		t.Fatal("expected error for missing entrypoint")
	}
}

func TestRunRoutesResultToInvocation(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	skill, err := rt.Compile(ctx, writeSkill(t, writeModule(t)))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	t.Cleanup(func() { skill.Close(ctx) })

	// Each run reports to its own invocation, including overlapping runs.
	var wg sync.WaitGroup
	results := make([][]byte, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = skill.Run(ctx, map[string]string{"LOQA_ACTION_NAME": "ping"}, runtime.Invocation{
				Result: func(p []byte) { results[i] = p },
			})
		}()
	}
	wg.Wait()
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if string(results[i]) != "ok" {
			t.Fatalf("run %d: expected result ok, got %q", i, results[i])
		}
	}
}

func TestRunWithoutInvocationHooks(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	skill, err := rt.Compile(ctx, writeSkill(t, writeModule(t)))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	t.Cleanup(func() { skill.Close(ctx) })
	if err := skill.Run(ctx, nil, runtime.Invocation{}); err != nil {
		t.Fatalf("run: %v", err)
	}
}
