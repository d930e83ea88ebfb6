package auth

import (
	"context"
	"testing"
)

func TestSeedOwner_CreatesOnEmptyDB(t *testing.T) {
	repo := NewUserRepository(testDB(t))
	ctx := context.Background()

	password, err := SeedOwner(ctx, repo, nil)
	if err != nil {
		t.Fatalf("SeedOwner() error = %v", err)
	}
	if password == "" {
		t.Fatal("SeedOwner() should return the generated password")
	}

	owner, err := repo.GetByUsername(ctx, "owner")
	if err != nil {
		t.Fatalf("GetByUsername(owner) error = %v", err)
	}
	if owner.Role != RoleOwner || !owner.IsActive {
		t.Errorf("owner = %+v, want active owner", owner)
	}
	if ok, _ := VerifyPassword(password, owner.PasswordHash); !ok {
		t.Error("generated password should verify against the stored hash")
	}
}

func TestSeedOwner_SkipsWhenUsersExist(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	seedTestUser(t, db, "existing", RoleAdmin)

	password, err := SeedOwner(context.Background(), repo, nil)
	if err != nil {
		t.Fatalf("SeedOwner() error = %v", err)
	}
	if password != "" {
		t.Error("SeedOwner() should return an empty password when users exist")
	}
	if count, _ := repo.Count(context.Background()); count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}
