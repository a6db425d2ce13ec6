package pipeline

import "testing"

func TestPluginRegistry_UnknownTypeIDErrors(t *testing.T) {
	reg := NewPluginRegistry()

	if _, err := reg.NewTransformer("nonexistent", nil); err == nil {
		t.Fatal("expected an error for an unregistered transformer type_id")
	}
	if _, err := reg.NewSampler("nonexistent", nil); err == nil {
		t.Fatal("expected an error for an unregistered sampler type_id")
	}
	if _, err := reg.NewNormalizer("nonexistent", nil); err == nil {
		t.Fatal("expected an error for an unregistered normalizer type_id")
	}
	if _, err := reg.NewTerminal("nonexistent", nil); err == nil {
		t.Fatal("expected an error for an unregistered terminal type_id")
	}
}

func TestPluginRegistry_RegisteredConstructorIsInvoked(t *testing.T) {
	reg := NewPluginRegistry()
	called := false
	reg.RegisterTransformer("noop", func(Params) (Transformer, error) {
		called = true
		return &fakeTransformer{}, nil
	})

	if _, err := reg.NewTransformer("noop", Params{"x": 1}); err != nil {
		t.Fatalf("NewTransformer: %v", err)
	}
	if !called {
		t.Fatal("expected the registered constructor to be invoked")
	}
}
