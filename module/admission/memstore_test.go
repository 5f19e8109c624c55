package admission_test

import (
	"testing"

	"joingate/module/admission"
	"joingate/module/admission/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) admission.Store { return admission.NewMemStore() })
}

func TestMemSessions(t *testing.T) {
	storetest.RunSessions(t, admission.NewMemSessions())
}
