// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorbit

const (
	PI = 3.1415926535897932  // Pi
	C  = 2.99792458e8        // Speed of light [m/s]
	Re = 6378137.0           // Earth's radius [m]
	Fe = 1.0 / 298.257223563 // Earth's flattening
	GM = 3.986004418e14      // Earth's gravitational constant [m^3/s^2]
	We = 7.2921151467e-5     // Earth's rotation rate [rad/s]
)

// Default normalization scales for estimated parameters.
// Position/velocity scales follow the magnitude of a LEO orbit state,
// the acceleration scale the magnitude of typical non-gravitational
// accelerations, the bias scale the magnitude of a station range bias.
const (
	ScalePos   = 1e4  // Orbital position components [m]
	ScaleVel   = 1e1  // Orbital velocity components [m/s]
	ScaleAccel = 1e-7 // Dynamical acceleration parameters [m/s^2]
	ScaleBias  = 1e0  // Observation-source bias parameters [m]
)
