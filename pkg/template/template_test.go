package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conduit-network/conduit/pkg/netconf"
)

func TestExpand(t *testing.T) {
	tmpl := `<system xmlns="urn:x"><hostname>${host}</hostname><domain>${domain}</domain></system>`
	n, err := Expand(tmpl, map[string]string{"host": "leaf1", "domain": "example.net"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	sys := n.Find("system")
	if sys == nil {
		t.Fatalf("expanded tree = %s", n.String())
	}
	if sys.Body("hostname") != "leaf1" || sys.Body("domain") != "example.net" {
		t.Errorf("expanded = %s", sys.String())
	}
}

func TestExpandUnboundVariable(t *testing.T) {
	_, err := Expand(`<x>${missing}</x>`, map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("Expand error = %v, want unbound variable", err)
	}
}

func TestExpandBadXML(t *testing.T) {
	if _, err := Expand(`<x>${v}`, map[string]string{"v": "1"}); err == nil {
		t.Error("Expand should reject a template that does not parse")
	}
}

func TestLoadVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.json")
	os.WriteFile(path, []byte(`{"host": "leaf1", "asn": 65001}`), 0644)
	vars, err := LoadVars(path)
	if err != nil {
		t.Fatalf("LoadVars: %v", err)
	}
	if vars["host"] != "leaf1" || vars["asn"] != "65001" {
		t.Errorf("vars = %v", vars)
	}
}

func TestLoadVarsRejectsNonObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.json")
	os.WriteFile(path, []byte(`["a", "b"]`), 0644)
	if _, err := LoadVars(path); err == nil {
		t.Error("LoadVars should reject a JSON array")
	}
}

func TestMergeInto(t *testing.T) {
	base, _ := netconf.Parse([]byte(`<root><port><name>eth0</name><mtu>1500</mtu></port></root>`))
	tpl, _ := netconf.Parse([]byte(`<root><port><name>eth0</name><mtu>9100</mtu></port><system><hostname>h</hostname></system></root>`))
	out := MergeInto(base, tpl)
	if out.Find("port").Body("mtu") != "9100" {
		t.Errorf("template entry did not win: %s", out.String())
	}
	if out.Find("system") == nil {
		t.Errorf("new subtree not merged: %s", out.String())
	}
}

func TestMergeIntoNilBase(t *testing.T) {
	tpl, _ := netconf.Parse([]byte(`<expanded><a>1</a></expanded>`))
	out := MergeInto(nil, tpl)
	if out.Name() != "root" || out.Body("a") != "1" {
		t.Errorf("MergeInto(nil) = %s", out.String())
	}
}
