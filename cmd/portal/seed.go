package main

import (
	"context"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/ledger"
	"tourportal.io/internal/resource"
)

const demoSecret = "portal-demo"

type demoUser struct {
	id        string
	name      string
	role      auth.RoleType
	org       string
	firstTime bool
}

var demoUsers = []demoUser{
	{id: "exec", name: "Executive", role: auth.RoleExecutive, org: "org-a"},
	{id: "finance", name: "Finance", role: auth.RoleFinance, org: "org-a"},
	{id: "agent", name: "Travel agent", role: auth.RoleAgent, org: "org-a"},
	{id: "crew", name: "Crew", role: auth.RoleCrew, org: "org-a"},
	{id: "staff", name: "New staff", role: auth.RoleStaff, org: "org-b", firstTime: true},
}

// seedDemo loads demo identities, documents and one loyalty account per
// organization into the in-memory stores.
func seedDemo(ctx context.Context, a *app) error {
	for _, u := range demoUsers {
		err := a.creds.Register(auth.Identity{
			ID:          u.id,
			DisplayName: u.name,
			Email:       u.id + "@demo.tourportal.io",
			IsFirstTime: u.firstTime,
		}, demoSecret)
		if err != nil {
			return err
		}
		role := auth.Role{
			ID:             "role-" + u.id,
			Name:           u.name,
			Type:           u.role,
			Status:         auth.RoleStatusActive,
			OrganizationID: u.org,
		}
		if err := a.dir.Assign(u.id, role); err != nil {
			return err
		}
	}

	a.arena.Seed(
		resource.Item{ID: "doc-contract-a", Kind: auth.KindDocument, Category: auth.CategoryContract, OwnerID: "org-a", Title: "Hotel allotment contract", Priority: 2},
		resource.Item{ID: "doc-safety-a", Kind: auth.KindDocument, Category: auth.CategorySafety, OwnerID: "org-a", Title: "Muster drill schedule", Priority: 1},
		resource.Item{ID: "content-itinerary", Kind: auth.KindContent, Category: auth.CategoryItinerary, Title: "Seven night fjord cruise", Status: resource.StatusPublished},
	)

	for _, org := range []string{"org-a", "org-b"} {
		acc, err := a.led.Open(ctx, org)
		if err != nil {
			return err
		}
		if _, err := a.led.Credit(ctx, acc.ID, 1000, ledger.Entry{Actor: "system", Source: "demo", Note: "opening balance"}); err != nil {
			return err
		}
	}
	return nil
}
