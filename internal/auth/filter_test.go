package auth

import (
	"reflect"
	"testing"
)

type testItem struct {
	id  string
	res Resource
}

func (i testItem) AuthResource() Resource { return i.res }

func sampleItems() []testItem {
	return []testItem{
		{"d1", Resource{Kind: KindDocument, Category: CategoryContract, OwnerID: "org-a"}},
		{"d2", Resource{Kind: KindDocument, Category: CategoryContract, OwnerID: "org-b"}},
		{"c1", Resource{Kind: KindContent, Category: CategorySafety}},
		{"c2", Resource{Kind: KindContent, Category: CategoryCampaign}},
		{"k1", Resource{Kind: KindClient, Category: CategoryGuest, OwnerID: "org-b"}},
		{"i1", Resource{Kind: KindDocument, Category: CategoryInvoice, OwnerID: "org-a"}},
	}
}

func itemIDs(items []testItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out
}

func TestFilterVisible(t *testing.T) {
	cases := []struct {
		name string
		role Role
		want []string
	}{
		{"partner sees own contracts and invoices", activeRole(RolePartner, "org-a"), []string{"d1", "c2", "i1"}},
		{"executive sees everything", activeRole(RoleExecutive, "org-a"), []string{"d1", "d2", "c1", "c2", "k1", "i1"}},
		{"staff has blanket clients", activeRole(RoleStaff, "org-a"), []string{"c2", "k1"}},
		{"crew sees safety only", activeRole(RoleCrew, "org-a"), []string{"c1"}},
		{"suspended sees nothing", Role{Type: RoleExecutive, Status: RoleStatusSuspended}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := itemIDs(FilterVisible(tc.role, sampleItems()))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestFilterVisibleDropsUnownedItems(t *testing.T) {
	items := []testItem{
		{"d0", Resource{Kind: KindDocument, Category: CategoryContract}},
		{"k0", Resource{Kind: KindClient, Category: CategoryGuest}},
		{"d1", Resource{Kind: KindDocument, Category: CategoryContract, OwnerID: "org-a"}},
	}
	if got := itemIDs(FilterVisible(activeRole(RolePartner, "org-a"), items)); !reflect.DeepEqual(got, []string{"d1"}) {
		t.Fatalf("partner sees %v", got)
	}
	if got := itemIDs(FilterVisible(activeRole(RolePartner, ""), items)); len(got) != 0 {
		t.Fatalf("role without organization sees %v", got)
	}
	if got := itemIDs(FilterVisible(activeRole(RoleStaff, "org-a"), items)); !reflect.DeepEqual(got, []string{"k0"}) {
		t.Fatalf("staff blanket clients: %v", got)
	}
}

func TestFilterVisibleIdempotentAndPure(t *testing.T) {
	items := sampleItems()
	before := itemIDs(items)
	for _, rt := range RoleTypes {
		role := activeRole(rt, "org-a")
		once := FilterVisible(role, items)
		twice := FilterVisible(role, once)
		if !reflect.DeepEqual(itemIDs(once), itemIDs(twice)) {
			t.Fatalf("%s: filter is not idempotent", rt)
		}
		for _, it := range once {
			if !CanSee(role, it) {
				t.Fatalf("%s: CanSee disagrees for %s", rt, it.id)
			}
		}
	}
	if !reflect.DeepEqual(before, itemIDs(items)) {
		t.Fatalf("input mutated")
	}
}

func TestFilterAgreesWithAuthorizeRead(t *testing.T) {
	for _, rt := range RoleTypes {
		role := activeRole(rt, "org-a")
		visible := map[string]bool{}
		for _, it := range FilterVisible(role, sampleItems()) {
			visible[it.id] = true
		}
		for _, it := range sampleItems() {
			if got := Authorize(role, ActionRead, it.res).Allowed; got != visible[it.id] {
				t.Fatalf("%s/%s: authorize=%v filter=%v", rt, it.id, got, visible[it.id])
			}
		}
	}
}
