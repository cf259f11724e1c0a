package sandbox

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ehr/ehrlink/internal/platform/fhir"
)

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Christopher", "Charles", "Daniel", "Matthew",
		"Anthony", "Mark", "Steven", "Paul", "Andrew", "Joshua", "Kevin",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Lisa", "Nancy", "Margaret",
		"Sandra", "Ashley", "Emily", "Michelle", "Amanda", "Melissa", "Laura",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
		"Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore",
		"Jackson", "Martin", "Lee", "Perez", "Thompson", "White", "Harris",
	}
	streets = []string{
		"123 Main St", "456 Oak Ave", "789 Elm St", "321 Pine Rd",
		"654 Maple Dr", "987 Cedar Ln", "147 Birch Blvd", "258 Walnut Way",
	}
	cities = []struct{ city, state, zip string }{
		{"New York", "NY", "10001"},
		{"Los Angeles", "CA", "90001"},
		{"Chicago", "IL", "60601"},
		{"Houston", "TX", "77001"},
		{"Phoenix", "AZ", "85001"},
		{"Philadelphia", "PA", "19101"},
		{"Columbus", "OH", "43201"},
		{"Charlotte", "NC", "28201"},
	}
)

// MRNSystem is the identifier system of generated medical record numbers.
const MRNSystem = "urn:oid:2.16.840.1.113883.3.9999.1"

// Generator produces reproducible synthetic patients.
type Generator struct {
	rng     *rand.Rand
	counter uint64
}

// NewGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *Generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *Generator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

func (g *Generator) randomPhone() string {
	return fmt.Sprintf("(%03d) %03d-%04d",
		200+g.rng.Intn(800),
		200+g.rng.Intn(800),
		g.rng.Intn(10000),
	)
}

// Patient produces one synthetic Patient with an id, an MRN and contact
// details.
func (g *Generator) Patient() fhir.Patient {
	firstName, gender := g.pick(firstNamesFemale), "female"
	if g.rng.Intn(2) == 0 {
		firstName, gender = g.pick(firstNamesMale), "male"
	}
	lastName := g.pick(lastNames)
	place := cities[g.rng.Intn(len(cities))]
	active := true

	return fhir.Patient{
		ResourceType: "Patient",
		ID:           g.nextID("pat"),
		Active:       &active,
		Identifier: []fhir.Identifier{{
			Use: "usual",
			Type: &fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/v2-0203",
				Code:   "MR",
			}}},
			System: MRNSystem,
			Value:  fmt.Sprintf("MRN-%08d", g.rng.Intn(100000000)),
		}},
		Name: []fhir.HumanName{{
			Use:    "official",
			Family: lastName,
			Given:  []string{firstName},
		}},
		Telecom: []fhir.ContactPoint{
			{System: "phone", Value: g.randomPhone(), Use: "home"},
			{System: "email", Value: strings.ToLower(firstName + "." + lastName + "@example.com"), Use: "home"},
		},
		Gender:    gender,
		BirthDate: g.randomDate(1940, 2010),
		Address: []fhir.Address{{
			Use:        "home",
			Line:       []string{g.pick(streets)},
			City:       place.city,
			State:      place.state,
			PostalCode: place.zip,
			Country:    "US",
		}},
	}
}

// Patients produces n patients.
func (g *Generator) Patients(n int) []fhir.Patient {
	out := make([]fhir.Patient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Patient())
	}
	return out
}
