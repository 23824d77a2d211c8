package agent

import (
	"strings"
	"testing"
)

func testSelector(t *testing.T) *Selector {
	t.Helper()
	routes, err := DefaultRouting()
	if err != nil {
		t.Fatalf("default routing: %v", err)
	}
	return NewSelector(routes, testRegistry())
}

func TestSelector_CoreFirst(t *testing.T) {
	s := testSelector(t)
	names := s.SelectNames("", "hola", nil)
	want := []string{"smart_query", "get_kpis", "get_business_summary", "get_exchange_rate", "convert_currency"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, names)
	}
}

func TestSelector_PageTools(t *testing.T) {
	s := testSelector(t)
	names := s.SelectNames("sales", "hola", nil)
	if !contains(names, "get_sales_data") || !contains(names, "process_sales_excel") {
		t.Fatalf("expected sales page tools, got %v", names)
	}
}

func TestSelector_UnknownPageFallsBackToKeywords(t *testing.T) {
	s := testSelector(t)
	names := s.SelectNames("no-such-page", "sube este excel", nil)
	if !contains(names, "process_sales_excel") {
		t.Fatalf("expected keyword tool, got %v", names)
	}
	if contains(names, "get_sales_data") {
		t.Fatalf("unexpected sales tool, got %v", names)
	}
}

func TestSelector_KeywordCaseInsensitive(t *testing.T) {
	s := testSelector(t)
	names := s.SelectNames("", "Muéstrame las VENTAS de mayo", nil)
	if !contains(names, "get_sales_data") {
		t.Fatalf("expected get_sales_data, got %v", names)
	}
}

func TestSelector_NoDuplicates(t *testing.T) {
	s := testSelector(t)
	names := s.SelectNames("sales", "ventas, reporte y excel", nil)
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			t.Fatalf("duplicate %s in %v", n, names)
		}
		seen[n] = true
	}
}

func TestSelector_EnabledSetGatesNonCore(t *testing.T) {
	s := testSelector(t)
	enabled := NewToolFilter([]string{"process_sales_excel"}, nil)
	names := s.SelectNames("sales", "ventas", enabled)
	if contains(names, "get_sales_data") {
		t.Fatalf("get_sales_data should be gated, got %v", names)
	}
	if !contains(names, "process_sales_excel") || !contains(names, "smart_query") {
		t.Fatalf("expected allowed and core tools, got %v", names)
	}
}

func TestSelector_DefinitionsFollowNames(t *testing.T) {
	s := testSelector(t)
	defs := s.Select("treasury", "tipo de cambio", nil)
	names := s.SelectNames("treasury", "tipo de cambio", nil)
	if len(defs) != len(names) {
		t.Fatalf("expected %d definitions, got %d", len(names), len(defs))
	}
	for i := range defs {
		if defs[i].Name != names[i] {
			t.Fatalf("definition %d: expected %s, got %s", i, names[i], defs[i].Name)
		}
	}
}

func TestSelector_NothingSelectedOffersNothing(t *testing.T) {
	routes := &RoutingTable{
		Core:  []string{"not_registered"},
		Pages: map[string]PageRoute{"sales": {Tools: []string{"get_sales_data", "process_sales_excel"}}},
	}
	s := NewSelector(routes, testRegistry())
	enabled := NewToolFilter(nil, []string{"get_sales_data", "process_sales_excel"})

	if names := s.SelectNames("sales", "hola", enabled); len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
	if defs := s.Select("sales", "hola", enabled); len(defs) != 0 {
		t.Fatalf("expected no definitions, got %d", len(defs))
	}
}

func TestSelector_IsCore(t *testing.T) {
	s := testSelector(t)
	if !s.IsCore("smart_query") {
		t.Error("smart_query should be core")
	}
	if s.IsCore("process_sales_excel") {
		t.Error("process_sales_excel should not be core")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
