package serverless

import (
	"testing"

	"github.com/lineageos/carservice-remotetaskd/internal/citest"
	"github.com/lineageos/carservice-remotetaskd/internal/config"
	"github.com/shoenig/test/must"
)

func TestRegistry_LookupAndIsServerless(t *testing.T) {
	citest.Parallel(t)

	r := New(&config.ServerlessConfig{Entries: []config.ServerlessEntry{
		{Package: "com.example.one", ClientID: "cid-a"},
	}})

	cid, ok := r.ClientIDForPackage("com.example.one")
	must.True(t, ok)
	must.Eq(t, "cid-a", string(cid))
	must.True(t, r.IsServerless("cid-a"))
	must.False(t, r.IsServerless("cid-unknown"))
}

func TestRegistry_Disabled(t *testing.T) {
	citest.Parallel(t)

	r := Disabled()
	must.False(t, r.Enabled())
	_, ok := r.ClientIDForPackage("anything")
	must.False(t, ok)
	must.False(t, r.IsServerless("anything"))
}
