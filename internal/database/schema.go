package database

import (
	"context"
	"fmt"
	"strings"
)

// businessSchema creates the tables the business tools read. Column types
// stay portable across sqlite, postgres and mysql.
var businessSchema = []string{
	`CREATE TABLE IF NOT EXISTS sales_data (
		company_id  INTEGER NOT NULL,
		client_name VARCHAR(200) NOT NULL,
		product     VARCHAR(200),
		quantity    DECIMAL(14,2) NOT NULL DEFAULT 0,
		sale_year   INTEGER NOT NULL,
		sale_month  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kpis (
		name     VARCHAR(100) NOT NULL,
		value    DECIMAL(14,2),
		target   DECIMAL(14,2),
		unit     VARCHAR(20),
		category VARCHAR(50)
	)`,
	`CREATE TABLE IF NOT EXISTS exchange_rates (
		source    VARCHAR(20) NOT NULL,
		buy_rate  DECIMAL(12,4) NOT NULL,
		sell_rate DECIMAL(12,4) NOT NULL,
		date      DATE NOT NULL
	)`,
}

// EnsureSchema creates the business tables when they are missing.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range businessSchema {
		if err := d.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// SeedSample inserts a small demo data set into empty tables so a fresh
// install has something to answer questions about.
func (d *DB) SeedSample(ctx context.Context, year int) error {
	rows, err := d.Query(ctx, "SELECT COUNT(*) AS n FROM sales_data")
	if err != nil {
		return err
	}
	if len(rows) == 1 && fmt.Sprint(rows[0]["n"]) != "0" {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO sales_data (company_id, client_name, product, quantity, sale_year, sale_month) VALUES ")
	clients := []string{"Acme", "Globex", "Initech"}
	for month := 1; month <= 12; month++ {
		for i, c := range clients {
			if month > 1 || i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "(%d, '%s', 'Widget', %d, %d, %d)", i%2+1, c, 100+month*10+i*25, year, month)
		}
	}
	stmts := []string{
		b.String(),
		"INSERT INTO kpis (name, value, target, unit, category) VALUES " +
			"('Gross margin', 31.5, 35, '%', 'finance'), " +
			"('On-time delivery', 94.2, 97, '%', 'operations'), " +
			"('Active clients', 42, 50, 'clients', 'sales')",
		fmt.Sprintf("INSERT INTO exchange_rates (source, buy_rate, sell_rate, date) VALUES "+
			"('DOF', 17.0500, 17.1200, '%d-01-15'), ('BANK', 16.9000, 17.3000, '%d-01-15')", year, year),
	}
	for _, s := range stmts {
		if err := d.Exec(ctx, s); err != nil {
			return fmt.Errorf("seed sample data: %w", err)
		}
	}
	return nil
}
